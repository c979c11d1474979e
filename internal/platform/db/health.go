package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"totalConns"`
	IdleConns       int32  `json:"idleConns"`
	AcquiredConns   int32  `json:"acquiredConns"`
	MaxConns        int32  `json:"maxConns"`
	AcquireCount    int64  `json:"acquireCount"`
	AcquireDuration string `json:"acquireDuration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is any storage backend that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsReporter is implemented by stores backed by a pgx pool.
type StatsReporter interface {
	PoolStats() *PoolStats
}

// HealthHandler returns the health endpoint. storage may be nil when the
// process runs without an external store.
func HealthHandler(version, backend string, storage Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]interface{}{
			"status":  "ok",
			"version": version,
			"history": backend,
		}
		if storage == nil {
			return c.JSON(http.StatusOK, body)
		}

		if sr, ok := storage.(StatsReporter); ok {
			body["pool"] = sr.PoolStats()
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := storage.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
