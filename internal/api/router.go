// Package api exposes the player-facing HLS surface and the admin routes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cdmhls/internal/logger"
	"cdmhls/internal/models"
	"cdmhls/internal/offline"
	"cdmhls/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	sessionMgr *session.SessionManager
	offline    *offline.Service
	license    http.Handler
	licenses   LicenseMonitor
	logger     logger.Logger
}

// Deps are the components the API serves. Offline, License and Licenses
// may be nil, which disables their routes.
type Deps struct {
	Sessions *session.SessionManager
	Offline  *offline.Service
	// License answers ClearKey license requests.
	License  http.Handler
	Licenses LicenseMonitor
	Logger   logger.Logger
}

func New(d Deps) http.Handler {
	api := &API{
		sessionMgr: d.Sessions,
		offline:    d.Offline,
		license:    d.License,
		licenses:   d.Licenses,
		logger:     d.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(instrument(d.Logger))

	r.Route("/live/{assetID}", func(r chi.Router) {
		r.Get("/playlist.m3u8", api.handleMasterPlaylist)
		r.Get("/{repID}/playlist.m3u8", api.handleMediaPlaylist)
		r.Get("/{repID}/segment/{file}", api.handleSegment)
	})

	if api.license != nil {
		r.Method(http.MethodPost, "/license", api.license)
	}
	if api.licenses != nil {
		r.Get("/license/sessions", api.handleLicenseSessions)
		r.Get("/license/events", api.handleLicenseEvents)
	}
	if api.offline != nil {
		r.Get("/assets/offline", api.handleOfflineList)
		r.Route("/assets/{assetID}/offline", func(r chi.Router) {
			r.Post("/", api.handleOfflineStart)
			r.Get("/", api.handleOfflineStatus)
			r.Delete("/", api.handleOfflineRelease)
		})
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (a *API) stream(w http.ResponseWriter, r *http.Request) (*session.Stream, bool) {
	s, err := a.sessionMgr.GetOrCreateSession(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func (a *API) handleMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	s, ok := a.stream(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(s.GetMasterPlaylist()))
}

func (a *API) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	s, ok := a.stream(w, r)
	if !ok {
		return
	}
	playlist, err := s.GetMediaPlaylist(r.Context(), chi.URLParam(r, "repID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(playlist))
}

func (a *API) handleSegment(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	ordinal, err := strconv.ParseUint(strings.TrimSuffix(file, ".ts"), 10, 64)
	if err != nil || !strings.HasSuffix(file, ".ts") {
		http.Error(w, fmt.Sprintf("Segment %s not found", file), http.StatusNotFound)
		return
	}
	s, ok := a.stream(w, r)
	if !ok {
		return
	}
	data, err := s.GetSegment(r.Context(), chi.URLParam(r, "repID"), ordinal)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Write(data)
}

func (a *API) handleOfflineStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assetID")
	if err := a.offline.Start(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"asset": id, "state": "downloading"})
}

func (a *API) handleOfflineList(w http.ResponseWriter, r *http.Request) {
	list, err := a.offline.List()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleOfflineStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.offline.Status(chi.URLParam(r, "assetID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleOfflineRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assetID")
	a.sessionMgr.CloseSession(r.Context(), id)
	if err := a.offline.Release(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps an error to the HTTP status the player sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDecryptUnavailable),
		errors.Is(err, models.ErrNoKey),
		errors.Is(err, models.ErrSession),
		errors.Is(err, models.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrAlreadyDownloading):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Warnf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
