// Package registry tracks observed mesh peers: id, last-heard time,
// link quality and display name, fed by passive observation of inbound
// frames and by periodic discovery pings.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/z-mesh/z-mesh/internal/events"
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
)

// DefaultSNRChangeThreshold is the SNR delta (dB) that triggers a
// NodeSeen event for an already-known peer.
const DefaultSNRChangeThreshold = 3.0

// DefaultDiscoveryInterval is how often StartDiscovery broadcasts a
// PING when the caller doesn't override it.
const DefaultDiscoveryInterval = 60 * time.Second

// DefaultNodeActiveWindow is the default window Record.Active checks
// a peer's last-heard time against.
const DefaultNodeActiveWindow = 10 * time.Minute

// Record is a tracked peer.
type Record struct {
	ID          meshport.NodeID
	DisplayName string
	LastHeardAt time.Time
	LastSNR     float64
	LastRSSI    int32
}

// Active reports whether the record was heard within window of now.
func (r Record) Active(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastHeardAt) <= window
}

// Registry owns the set of known peers. Safe for concurrent use: it is
// both observed from the Session Manager's single-threaded loop and
// read from the metrics exporter/UI, so it guards its map with a mutex
// (the one deliberate exception to the engine's lock-free protocol
// core).
type Registry struct {
	mu                 sync.RWMutex
	records            map[meshport.NodeID]*Record
	snrChangeThreshold float64
	activeWindow       time.Duration

	bus    *events.Bus
	logger *slog.Logger

	port  meshport.Port
	codec *meshframe.Codec
	cron  *cron.Cron
}

// Config configures a new Registry.
type Config struct {
	SNRChangeThreshold float64
	NodeActiveWindow   time.Duration
	DiscoveryInterval  time.Duration
}

// New creates a Registry. port and codec are used by StartDiscovery to
// broadcast PING frames; nil is acceptable if the caller never starts
// discovery (e.g. a receive-only node under test).
func New(cfg Config, port meshport.Port, codec *meshframe.Codec, bus *events.Bus, logger *slog.Logger) *Registry {
	if cfg.SNRChangeThreshold <= 0 {
		cfg.SNRChangeThreshold = DefaultSNRChangeThreshold
	}
	if cfg.NodeActiveWindow <= 0 {
		cfg.NodeActiveWindow = DefaultNodeActiveWindow
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	return &Registry{
		records:            make(map[meshport.NodeID]*Record),
		snrChangeThreshold: cfg.SNRChangeThreshold,
		activeWindow:       cfg.NodeActiveWindow,
		bus:                bus,
		logger:             logger,
		port:               port,
		codec:              codec,
		cron:               newDiscoveryCron(),
	}
}

// newDiscoveryCron builds a *cron.Cron with second-level granularity,
// driven by a single fixed "@every" schedule (added by StartDiscovery)
// rather than a user-supplied cron expression.
func newDiscoveryCron() *cron.Cron {
	return cron.New(cron.WithSeconds())
}

// Observe updates (or creates) a peer record from any inbound frame,
// regardless of frame kind. displayName, if non-empty (from a PONG),
// updates the stored DisplayName.
func (r *Registry) Observe(id meshport.NodeID, link meshport.Link, displayName string, now time.Time) {
	r.mu.Lock()
	rec, known := r.records[id]
	if !known {
		rec = &Record{ID: id}
		r.records[id] = rec
	}
	snrDelta := 0.0
	if known {
		snrDelta = abs(link.SNR - rec.LastSNR)
	}
	rec.LastHeardAt = now
	rec.LastSNR = link.SNR
	rec.LastRSSI = link.RSSI
	if displayName != "" {
		rec.DisplayName = displayName
	}
	snapshot := *rec
	r.mu.Unlock()

	if r.bus == nil {
		return
	}
	if !known || snrDelta > r.snrChangeThreshold {
		r.bus.Publish(events.Event{Kind: events.KindNodeSeen, NodeSeen: &events.NodeSeenPayload{
			ID:          snapshot.ID,
			DisplayName: snapshot.DisplayName,
			SNR:         snapshot.LastSNR,
			RSSI:        snapshot.LastRSSI,
			New:         !known,
		}})
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Get returns a copy of the record for id, if known.
func (r *Registry) Get(id meshport.NodeID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of all known records.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// StartDiscovery begins broadcasting PING every DiscoveryInterval until
// ctx is cancelled. Safe to call once per Registry.
func (r *Registry) StartDiscovery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	spec := "@every " + interval.String()
	_, err := r.cron.AddFunc(spec, func() {
		r.sendPing(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

func (r *Registry) sendPing(ctx context.Context) {
	if r.port == nil || r.codec == nil {
		return
	}
	nonce := freshNonce()
	raw, err := r.codec.EncodePing(meshframe.Ping{Nonce: nonce})
	if err != nil {
		if r.logger != nil {
			r.logger.Error("encoding discovery ping", "error", err)
		}
		return
	}
	if err := r.port.Send(ctx, meshport.Broadcast, raw); err != nil {
		if r.logger != nil {
			r.logger.Warn("discovery ping send failed", "error", err)
		}
	}
}

func freshNonce() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
