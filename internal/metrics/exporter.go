// Package metrics exposes the protocol engine's Event Bus as
// Prometheus gauges and counters, served over HTTP for scraping.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/z-mesh/z-mesh/internal/events"
)

// Exporter subscribes to an events.Bus and maintains a set of
// Prometheus collectors describing the node's transfer activity.
type Exporter struct {
	reg *prometheus.Registry

	chunksSent       prometheus.Counter
	chunksAcked      prometheus.Counter
	chunkTimeouts    prometheus.Counter
	transfersStarted prometheus.Counter
	transfersDone    prometheus.Counter
	transfersFailed  prometheus.Counter
	nodesSeen        prometheus.Counter
	progressRatio    *prometheus.GaugeVec
	eventsDropped    prometheus.Gauge

	sub *events.Subscription
}

// NewExporter registers the collector set on a fresh registry and
// subscribes to bus. Call Run in its own goroutine to start draining
// events; call Handler to get the HTTP handler for /metrics.
func NewExporter(bus *events.Bus) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	e := &Exporter{
		reg: reg,
		chunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_chunks_sent_total",
			Help: "DATA frames transmitted, including retransmissions.",
		}),
		chunksAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_chunks_acked_total",
			Help: "DATA frames acknowledged by a peer.",
		}),
		chunkTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_chunk_timeouts_total",
			Help: "Chunk watchdog firings, whether or not they led to a retransmit.",
		}),
		transfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_transfers_started_total",
			Help: "Transfer sessions started, sender or receiver side.",
		}),
		transfersDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_transfers_completed_total",
			Help: "Transfer sessions that reached Completed.",
		}),
		transfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_transfers_failed_total",
			Help: "Transfer sessions that reached Failed or Aborted.",
		}),
		nodesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "zmesh_nodes_seen_total",
			Help: "NodeSeen events emitted by the registry (new peers or large SNR swings).",
		}),
		progressRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zmesh_transfer_progress_ratio",
			Help: "Chunks acknowledged over total chunks for the most recent progress event per transfer.",
		}, []string{"transfer_id"}),
		eventsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zmesh_bus_events_dropped",
			Help: "Events dropped from this exporter's bus subscription due to a full queue.",
		}),
		sub: bus.Subscribe(0),
	}
	return e
}

// Run drains the bus subscription until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	defer e.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub.Events():
			if !ok {
				return
			}
			e.observe(ev)
			e.eventsDropped.Set(float64(e.sub.Dropped()))
		}
	}
}

func (e *Exporter) observe(ev events.Event) {
	switch ev.Kind {
	case events.KindNodeSeen:
		e.nodesSeen.Inc()
	case events.KindTransferStarted:
		e.transfersStarted.Inc()
	case events.KindChunkSent:
		e.chunksSent.Inc()
	case events.KindChunkAcked:
		e.chunksAcked.Inc()
	case events.KindChunkTimedOut:
		e.chunkTimeouts.Inc()
	case events.KindTransferProgress:
		p := ev.TransferProgress
		if p.Total > 0 {
			e.progressRatio.WithLabelValues(p.TransferID).Set(float64(p.Done) / float64(p.Total))
		}
	case events.KindTransferCompleted:
		e.transfersDone.Inc()
		e.progressRatio.DeleteLabelValues(ev.TransferCompleted.TransferID)
	case events.KindTransferFailed:
		e.transfersFailed.Inc()
		e.progressRatio.DeleteLabelValues(ev.TransferFailed.TransferID)
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}
