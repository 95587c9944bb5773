package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-mediagw/internal/recording"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

type HealthHandler struct {
	DB      *sql.DB
	Redis   *redis.Client
	NATS    *nats.Conn
	SFU     *sfu.Client
	Disk    *recording.DiskGuard
	Version string
}

func NewHealthHandler(db *sql.DB, rdb *redis.Client, natsConn *nats.Conn,
	sfuClient *sfu.Client, disk *recording.DiskGuard, version string) *HealthHandler {
	return &HealthHandler{DB: db, Redis: rdb, NATS: natsConn, SFU: sfuClient, Disk: disk, Version: version}
}

// GET /v2/health
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// GET /v2/health/detail
//
// Reports unhealthy (503) when the database is unreachable, the SFU
// control channel is down, or the recording disk has crossed the kill
// threshold. Redis and NATS outages only degrade: auth fails closed on
// its own and events are best effort.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	degraded := false

	if err := h.DB.PingContext(ctx); err != nil {
		checks["database"] = "unreachable"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.SFU.Connected() {
		checks["sfu"] = "ok"
	} else {
		checks["sfu"] = "disconnected"
		healthy = false
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unreachable"
			degraded = true
		} else {
			checks["redis"] = "ok"
		}
	}

	if h.NATS == nil {
		checks["nats"] = "disabled"
	} else if h.NATS.IsConnected() {
		checks["nats"] = "ok"
	} else {
		checks["nats"] = "disconnected"
		degraded = true
	}

	used, _ := h.Disk.UsedPercent()
	switch h.Disk.Level() {
	case recording.DiskKill:
		checks["disk"] = "full"
		healthy = false
	case recording.DiskHard, recording.DiskSoft:
		checks["disk"] = "pressure"
		degraded = true
	default:
		checks["disk"] = "ok"
	}

	status := http.StatusOK
	overall := "healthy"
	switch {
	case !healthy:
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	case degraded:
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":            overall,
		"checks":            checks,
		"disk_used_percent": used,
	})
}
