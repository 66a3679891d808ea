package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsefeed/notification-engine/internal/batch"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/processor"
	"github.com/pulsefeed/notification-engine/internal/socket"
)

// MetricsHandler serves the Prometheus scrape endpoint plus a JSON snapshot
// of the engine's live counters.
type MetricsHandler struct {
	proc     *processor.Processor
	registry *socket.Registry
	batcher  *batch.Engine
	adapters []domain.ChannelAdapter
}

func NewMetricsHandler(proc *processor.Processor, registry *socket.Registry, batcher *batch.Engine, adapters []domain.ChannelAdapter) *MetricsHandler {
	return &MetricsHandler{
		proc:     proc,
		registry: registry,
		batcher:  batcher,
		adapters: adapters,
	}
}

// Handler returns the Prometheus HTTP handler
func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.Handler()
}

// EngineSnapshot is the live state of the pipeline.
type EngineSnapshot struct {
	QueueDepth        int                            `json:"queue_depth"`
	SocketConnections int                            `json:"socket_connections"`
	OpenBatches       int                            `json:"open_batches"`
	Adapters          map[string]domain.AdapterStats `json:"adapters"`
}

// Snapshot reports the engine's current counters.
func (h *MetricsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap := EngineSnapshot{
		QueueDepth:        h.proc.QueueDepth(),
		SocketConnections: h.registry.ConnCount(),
		OpenBatches:       h.batcher.OpenCount(),
		Adapters:          make(map[string]domain.AdapterStats),
	}
	for _, a := range h.adapters {
		snap.Adapters[string(a.Channel())] = a.Stats()
	}

	JSON(w, http.StatusOK, snap)
}
