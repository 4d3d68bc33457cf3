package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cdmhls/internal/metrics"
	"cdmhls/internal/models"

	"github.com/google/renameio/v2"
)

// persist streams url into its local path. The file only appears once the
// transfer completes, so a partial download is never served.
func (c *Cache) persist(ctx context.Context, url string) (string, error) {
	path := c.localPath(url)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	defer pf.Cleanup()

	n, err := c.origin.Copy(ctx, url, pf, func(done, total int64) {
		if total > 0 && done < total {
			c.setProgress(url, float64(done)/float64(total))
		}
	})
	if err != nil {
		return "", err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	metrics.DownloadBytesTotal.WithLabelValues("origin").Add(float64(n))
	c.setProgress(url, 1)
	c.logger.Infof("Persisted %s (%d bytes) to %s", url, n, path)
	return path, nil
}

func readLocal(path string, r models.ByteRange) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	defer f.Close()

	var data []byte
	if r.IsWhole() {
		data, err = io.ReadAll(f)
	} else {
		data = make([]byte, r.Length)
		_, err = f.ReadAt(data, int64(r.Start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", models.ErrStorage, path, err)
	}
	metrics.DownloadBytesTotal.WithLabelValues("local").Add(float64(len(data)))
	return data, nil
}
