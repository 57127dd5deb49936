package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// ListenAndServe runs the servers until ctx is done, then gives them
// shutdownTimeout to finish the requests in flight.
func ListenAndServe(ctx context.Context, shutdownTimeout time.Duration, servers ...*http.Server) {
	var wg sync.WaitGroup
	wg.Add(len(servers))

	for _, s := range servers {
		go func(s *http.Server) {
			defer wg.Done()

			logger := logs.WithTag("addr", s.Addr)
			logger.Info("server listening")

			if err := s.ListenAndServe(); err != http.ErrServerClosed {
				logs.Warn(errors.New("server stopped").
					WithTag("addr", s.Addr).
					Wrap(err))
				return
			}
			logger.Info("server closed")
		}(s)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logs.Warn(errors.New("server shutdown failed").
				WithTag("addr", s.Addr).
				WithTag("shutdown_timeout", shutdownTimeout).
				Wrap(err))
			s.Close()
		}
	}

	wg.Wait()
}

// MetricsPathFormatter returns empty string on HTTP 301, 400, 404 or 405
// statusCode. Ids in debug paths are replaced by placeholders.
func MetricsPathFormatter(statusCode int, path string) string {
	if statusCode == http.StatusMovedPermanently ||
		statusCode == http.StatusBadRequest ||
		statusCode == http.StatusNotFound ||
		statusCode == http.StatusMethodNotAllowed {
		return ""
	}

	const worldsPrefix = "/debug/worlds/"
	if !strings.HasPrefix(path, worldsPrefix) {
		return path
	}

	segments := strings.Split(strings.TrimPrefix(path, worldsPrefix), "/")
	segments[0] = "{world_id}"
	if len(segments) > 2 && segments[1] == "spatial-data" {
		segments[2] = "{spatial_data_id}"
	}
	return worldsPrefix + strings.Join(segments, "/")
}
