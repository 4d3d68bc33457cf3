package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cdmhls/internal/api"
	"cdmhls/internal/config"
	"cdmhls/internal/download"
	"cdmhls/internal/key"
	"cdmhls/internal/license"
	"cdmhls/internal/license/clearkey"
	"cdmhls/internal/logger"
	"cdmhls/internal/offline"
	"cdmhls/internal/session"
	"cdmhls/internal/store"
	"cdmhls/internal/transmux"
)

func main() {
	// 1. Parse command-line arguments
	configFile := flag.String("c", "config.yaml", "Path to the config file")
	listenFlag := flag.String("l", "", "HTTP listen address (overrides the config file)")
	levelFlag := flag.String("L", "", "Log level: error, warn, info, debug (overrides the config file)")
	flag.Parse()

	// 2. Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.NewLogger("info").Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	// 3. Initialize logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Infof("Starting %s with %d assets", cfg.Name, len(cfg.Assets))

	// 4. Storage and the shared download pool
	st, err := store.Open(filepath.Join(cfg.StorageDir, "db"))
	if err != nil {
		log.Errorf("Failed to open storage: %v", err)
		os.Exit(1)
	}
	dl := download.New(download.Config{
		Dir:            filepath.Join(cfg.StorageDir, "files"),
		Concurrency:    cfg.Download.Concurrency,
		MaxAttempts:    cfg.Download.MaxAttempts,
		RetryDelay:     cfg.Download.RetryDelay,
		RequestTimeout: cfg.Download.RequestTimeout,
		UserAgent:      cfg.UserAgent,
	}, logger.WithComponent(log, "download"))

	// 5. Key service and license manager
	keyService, err := key.NewService(cfg.Assets, logger.WithComponent(log, "key"))
	if err != nil {
		log.Errorf("Failed to initialize key service: %v", err)
		os.Exit(1)
	}
	serverURL := cfg.License.ServerURL
	if serverURL == "" {
		serverURL = localLicenseURL(cfg.Listen)
	}
	transport := license.NewHTTPTransport(serverURL, cfg.UserAgent, cfg.License.RequestTimeout, cfg.License.RequestsPerSecond)
	licenses, err := license.New(clearkey.New(0), transport, st.Blobs("cdm"), license.Config{
		MaxAttempts:    cfg.License.MaxAttempts,
		RetryDelay:     cfg.License.RetryDelay,
		RequestTimeout: cfg.License.RequestTimeout,
	}, logger.WithComponent(log, "license"), license.WithBindings(st.Blobs("bindings")))
	if err != nil {
		log.Errorf("Failed to start license manager: %v", err)
		os.Exit(1)
	}

	// 6. Sessions and offline downloads
	sessionMgr := session.NewManager(cfg.Assets, dl, licenses, session.Config{
		Transmux: transmux.Config{
			DecryptAttempts: cfg.Transmux.DecryptAttempts,
			DecryptBackoff:  cfg.Transmux.DecryptBackoff,
		},
		EvictionInterval: cfg.Transmux.EvictionInterval,
	}, log)
	sessionMgr.Start()
	offlineSvc := offline.New(cfg.Assets, dl, licenses, st, cfg.Download.Concurrency, logger.WithComponent(log, "offline"))

	// 7. Set up and run the HTTP server with graceful shutdown
	router := api.New(api.Deps{
		Sessions: sessionMgr,
		Offline:  offlineSvc,
		License:  keyService,
		Licenses: licenses,
		Logger:   logger.WithComponent(log, "api"),
	})
	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		log.Infof("Server starting on %s (license server %s)", cfg.Listen, serverURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", cfg.Listen, err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a := &app{server: server, sessions: sessionMgr, offline: offlineSvc, licenses: licenses, downloads: dl, store: st}
	a.shutdown(ctx, log)

	log.Infof("Server exited gracefully")
}

// app holds the long-lived components in the order they are torn down.
type app struct {
	server    *http.Server
	sessions  *session.SessionManager
	offline   *offline.Service
	licenses  *license.Manager
	downloads *download.Cache
	store     *store.Store
}

// shutdown stops intake first and releases every license session before the
// download pool and the storage backend go away.
func (a *app) shutdown(ctx context.Context, log logger.Logger) {
	if err := a.server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	a.sessions.Stop(ctx)
	a.offline.Close()
	if err := a.licenses.Close(ctx); err != nil {
		log.Errorf("License manager shutdown failed: %v", err)
	}
	a.downloads.Close()
	if err := a.store.Close(); err != nil {
		log.Errorf("Storage close failed: %v", err)
	}
}

// localLicenseURL points the license exchange at this process's own
// ClearKey endpoint.
func localLicenseURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/license"
}
