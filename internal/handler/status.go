package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sentinel/internal/bot"
	"sentinel/internal/config"
	"sentinel/internal/metrics"
	"sentinel/internal/repository"
)

// StatusHandler exposes the operational surface: prometheus metrics, the
// aggregated engine status and recent signal/alert history.
type StatusHandler struct {
	Logger       *zap.Logger
	Configs      *config.Manager
	Metrics      *metrics.Collector
	Orchestrator *bot.Orchestrator
	Repo         repository.Repository
}

func (h *StatusHandler) Register(r *gin.Engine) {
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
	group := r.Group("/api/v1")
	group.GET("/status", h.status)
	group.GET("/signals", h.listSignals)
	group.GET("/alerts", h.listAlerts)
}

func (h *StatusHandler) status(c *gin.Context) {
	data := gin.H{}
	if h.Orchestrator != nil {
		data["engine"] = h.Orchestrator.Health(c.Request.Context())
	}
	if h.Metrics != nil {
		data["system"] = h.Metrics.Snapshot()
	}
	if h.Configs != nil {
		cfg := h.Configs.Get()
		data["config"] = gin.H{
			"scan_interval":           cfg.Scan.Interval.String(),
			"volume_spike_multiplier": cfg.Detection.VolumeSpikeMultiplier,
			"alerts_enabled":          cfg.Alerts.Enabled,
			"stream_enabled":          cfg.Stream.Enabled,
		}
	}
	Ok(c, data, nil)
}

func (h *StatusHandler) listSignals(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "store unavailable", nil)
		return
	}
	marketID := strings.TrimSpace(c.Query("market_id"))
	limit := intQuery(c, "limit", 50)
	rows, err := h.Repo.ListSignals(c.Request.Context(), marketID, limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("list signals failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, rows, ListMeta(len(rows)))
}

func (h *StatusHandler) listAlerts(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusServiceUnavailable, "store unavailable", nil)
		return
	}
	marketID := strings.TrimSpace(c.Query("market_id"))
	limit := intQuery(c, "limit", 50)
	rows, err := h.Repo.ListAlertRecords(c.Request.Context(), marketID, limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("list alerts failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, rows, ListMeta(len(rows)))
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
