// Package session implements the Session Manager: the single
// cooperative loop that owns every Transfer Session, routes inbound
// frames, drives the 1 Hz tick, and rate-limits outbound DATA frames.
// One goroutine serializes work for many logical sessions, the same
// shape as a single-threaded cron scheduler serializing many jobs.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/z-mesh/z-mesh/internal/events"
	"github.com/z-mesh/z-mesh/internal/logging"
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
	"github.com/z-mesh/z-mesh/internal/registry"
	"github.com/z-mesh/z-mesh/internal/transfer"
)

// ErrSenderActive is returned by StartTransfer when a non-terminal
// sender session already exists for the requested peer.
var ErrSenderActive = errors.New("session: sender session already active for peer")

type startRequest struct {
	peer     meshport.NodeID
	filename string
	data     []byte
	resp     chan startResult
}

type startResult struct {
	transferID string
	err        error
}

// sessionLogFile tracks the optional per-transfer debug log file so it
// can be closed and, on success, removed when the session ends.
type sessionLogFile struct {
	peer   meshport.NodeID
	closer io.Closer
}

// sessionLogger builds the logger passed to a new Sender/Receiver and
// registers its closer against transferID (sender and receiver ids
// never collide, unlike peer, which can carry one of each at once).
// Returns base unmodified when TransferLogDir is empty.
func (m *Manager) sessionLogger(peer meshport.NodeID, transferID string) *slog.Logger {
	logger, closer, _, err := logging.NewTransferLogger(m.logger, m.TransferLogDir, fmt.Sprintf("%d", peer), transferID)
	if err != nil {
		m.logger.Warn("could not open transfer log file, continuing without it", "peer", peer, "transfer_id", transferID, "error", err)
		return m.logger
	}
	m.logFiles[transferID] = &sessionLogFile{peer: peer, closer: closer}
	return logger
}

// closeSessionLog closes and, if completed, removes the per-transfer
// log file registered for transferID. No-op if none was opened.
func (m *Manager) closeSessionLog(transferID string, completed bool) {
	lf, ok := m.logFiles[transferID]
	if !ok {
		return
	}
	lf.closer.Close()
	delete(m.logFiles, transferID)
	if completed {
		logging.RemoveTransferLog(m.TransferLogDir, fmt.Sprintf("%d", lf.peer), transferID)
	}
}

// Manager owns every active Transfer Session and sends every session
// frame and PONG reply through meshport.Port.Send; the registry's
// discovery PINGs are the only frames sent from outside it.
type Manager struct {
	cfg    Config
	port   meshport.Port
	codec  *meshframe.Codec
	bus    *events.Bus
	logger *slog.Logger
	sink   transfer.Sink
	reg    *registry.Registry

	throttle *outboundThrottle

	senders   map[meshport.NodeID]*transfer.Sender
	receivers map[meshport.NodeID]*transfer.Receiver
	logFiles  map[string]*sessionLogFile // keyed by transferID

	// fatalErr is set once a Send reports a *meshport.FatalError. Run
	// checks it after every loop iteration and stops the engine once
	// the mesh device itself is gone.
	fatalErr error

	startCh chan startRequest

	// LocalName is advertised in PONG replies; defaults to a NodeID-derived label.
	LocalName string

	// TransferLogDir, if set, enables a dedicated debug log file per
	// transfer session (see internal/logging.NewTransferLogger). The
	// file is removed when the transfer completes successfully and
	// kept for inspection otherwise.
	TransferLogDir string

	// Clock is overridable for deterministic tests; defaults to time.Now.
	Clock func() time.Time
}

// New builds a Manager. sink receives completed inbound transfers; reg
// is updated on every inbound frame's origin and link quality.
func New(cfg Config, port meshport.Port, codec *meshframe.Codec, bus *events.Bus, logger *slog.Logger, sink transfer.Sink, reg *registry.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		port:      port,
		codec:     codec,
		bus:       bus,
		logger:    logger,
		sink:      sink,
		reg:       reg,
		throttle:  newOutboundThrottle(cfg.TXBurst, cfg.TXRateHz),
		senders:   make(map[meshport.NodeID]*transfer.Sender),
		receivers: make(map[meshport.NodeID]*transfer.Receiver),
		logFiles:  make(map[string]*sessionLogFile),
		startCh:   make(chan startRequest),
		LocalName: fmt.Sprintf("node-%d", port.LocalID()),
		Clock:     time.Now,
	}
}

// StartTransfer enqueues a new outbound transfer to peer and blocks
// until the Session Manager's loop has accepted or rejected it. Safe to
// call from any goroutine.
func (m *Manager) StartTransfer(ctx context.Context, peer meshport.NodeID, filename string, data []byte) (string, error) {
	resp := make(chan startResult, 1)
	select {
	case m.startCh <- startRequest{peer: peer, filename: filename, data: data, resp: resp}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-resp:
		return r.transferID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run drives the protocol engine until ctx is cancelled: inbound
// frames, start requests, and the periodic tick are all processed
// serially on this goroutine, so no session field is ever touched
// concurrently.
func (m *Manager) Run(ctx context.Context) error {
	inbound, err := m.port.Recv(ctx)
	if err != nil {
		return fmt.Errorf("session: opening mesh port receive stream: %w", err)
	}

	tickInterval := m.cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(context.Background())
			return ctx.Err()

		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			m.handleInbound(ctx, in)

		case req := <-m.startCh:
			m.handleStartRequest(ctx, req)

		case <-ticker.C:
			m.handleTick(ctx, m.Clock())
		}

		if m.fatalErr != nil {
			return m.fatalErr
		}
	}
}

func (m *Manager) handleInbound(ctx context.Context, in meshport.InboundFrame) {
	f, err := m.codec.Parse(in.Raw)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "peer", in.Origin, "error", err)
		return
	}

	now := m.Clock()
	displayName := ""
	if f.Kind == meshframe.KindPong {
		displayName = f.Pong.Name
	}
	if m.reg != nil {
		m.reg.Observe(in.Origin, in.Link, displayName, now)
	}

	switch f.Kind {
	case meshframe.KindPing:
		m.replyPong(ctx, in.Origin, f.Ping.Nonce)
	case meshframe.KindPong:
		// Registry already updated above; nothing further to do.
	case meshframe.KindBegin:
		m.handleBegin(ctx, in.Origin, f.Begin, now)
	default:
		m.routeToSession(ctx, in.Origin, f, now)
	}
}

func (m *Manager) replyPong(ctx context.Context, peer meshport.NodeID, nonce string) {
	raw, err := m.codec.EncodePong(meshframe.Pong{Nonce: nonce, Name: m.LocalName})
	if err != nil {
		m.logger.Error("encoding pong reply", "error", err)
		return
	}
	if err := m.port.Send(ctx, peer, raw); err != nil {
		m.logger.Warn("pong reply send failed", "peer", peer, "error", err)
	}
}

func (m *Manager) handleBegin(ctx context.Context, peer meshport.NodeID, b *meshframe.Begin, now time.Time) {
	if existing, ok := m.receivers[peer]; ok && !existing.State().Terminal() {
		m.logger.Warn("rejecting BEGIN, receiver session already active for peer", "peer", peer, "transfer_id", b.TransferID)
		return
	}
	logger := m.sessionLogger(peer, b.TransferID)
	r := transfer.NewReceiver(m.cfg.Transfer, m.codec, m.bus, logger, peer, b.TransferID, b.Total, b.Filename, m.sink, now)
	m.receivers[peer] = r
}

func transferIDOf(f *meshframe.Frame) string {
	switch f.Kind {
	case meshframe.KindData:
		return f.Data.TransferID
	case meshframe.KindAck:
		return f.Ack.TransferID
	case meshframe.KindNak:
		return f.Nak.TransferID
	case meshframe.KindEnd:
		return f.End.TransferID
	case meshframe.KindFin:
		return f.Fin.TransferID
	case meshframe.KindAbort:
		return f.Abort.TransferID
	default:
		return ""
	}
}

func (m *Manager) routeToSession(ctx context.Context, peer meshport.NodeID, f *meshframe.Frame, now time.Time) {
	tid := transferIDOf(f)

	if s, ok := m.senders[peer]; ok && s.TransferID == tid {
		out, err := s.OnFrame(f, now)
		m.dispatch(ctx, out, err)
		if s.State().Terminal() {
			delete(m.senders, peer)
			m.closeSessionLog(s.TransferID, s.State() == transfer.StateCompleted)
		}
		return
	}
	if r, ok := m.receivers[peer]; ok && r.TransferID == tid {
		out, err := r.OnFrame(f, now)
		m.dispatch(ctx, out, err)
		if r.State().Terminal() {
			delete(m.receivers, peer)
			m.closeSessionLog(r.TransferID, r.State() == transfer.StateCompleted)
		}
		return
	}
	m.logger.Debug("frame for unknown session, ignoring", "peer", peer, "transfer_id", tid, "kind", string(f.Kind))
}

func (m *Manager) handleStartRequest(ctx context.Context, req startRequest) {
	if existing, ok := m.senders[req.peer]; ok && !existing.State().Terminal() {
		req.resp <- startResult{err: ErrSenderActive}
		return
	}
	transferID := transfer.NewTransferID()
	logger := m.sessionLogger(req.peer, transferID)
	s := transfer.NewSender(m.cfg.Transfer, m.codec, m.bus, logger, req.peer, req.filename, req.data)
	s.TransferID = transferID
	out, err := s.Start(m.Clock())
	if err != nil {
		req.resp <- startResult{err: err}
		return
	}
	m.senders[req.peer] = s
	m.dispatch(ctx, out, nil)
	req.resp <- startResult{transferID: s.TransferID}
}

func (m *Manager) handleTick(ctx context.Context, now time.Time) {
	for peer, s := range m.senders {
		out, err := s.Tick(now)
		m.dispatch(ctx, out, err)
		if s.State().Terminal() {
			delete(m.senders, peer)
			m.closeSessionLog(s.TransferID, s.State() == transfer.StateCompleted)
		}
	}
	for peer, r := range m.receivers {
		out, err := r.Tick(now)
		m.dispatch(ctx, out, err)
		if r.State().Terminal() {
			delete(m.receivers, peer)
			m.closeSessionLog(r.TransferID, r.State() == transfer.StateCompleted)
		}
	}
}

// dispatch sends every queued frame, throttling DATA frames only. A
// DATA frame dropped for lack of a token is not lost: the originating
// session's own chunk watchdog will re-queue it once its deadline
// fires, so no retry bookkeeping is needed here. A *meshport.FatalError
// from Send means the device itself is gone: every session is aborted
// locally (no point re-sending ABT over a dead port) and fatalErr is
// set so Run stops on its next iteration.
func (m *Manager) dispatch(ctx context.Context, frames []transfer.OutFrame, err error) {
	if err != nil {
		m.logger.Error("session processing error", "error", err)
		return
	}
	for _, f := range frames {
		if f.Kind == meshframe.KindData && !m.throttle.Allow() {
			continue
		}
		if err := m.port.Send(ctx, f.Dest, f.Raw); err != nil {
			if meshport.IsFatal(err) {
				m.logger.Error("mesh port reported a fatal error, aborting all sessions", "error", err)
				m.abortAllFatal(err)
				return
			}
			m.logger.Warn("frame send failed", "peer", f.Dest, "kind", string(f.Kind), "error", err)
		}
	}
}

// abortAllFatal tears down every active session's local state and
// records err so Run returns it. It does not attempt to send ABT
// frames: the port that just failed fatally is assumed unusable.
func (m *Manager) abortAllFatal(err error) {
	for peer, s := range m.senders {
		delete(m.senders, peer)
		m.closeSessionLog(s.TransferID, false)
	}
	for peer, r := range m.receivers {
		delete(m.receivers, peer)
		m.closeSessionLog(r.TransferID, false)
	}
	if m.fatalErr == nil {
		m.fatalErr = err
	}
}

// shutdown aborts every active session with a Shutdown reason,
// best-effort flushing the resulting ABT frames before Run returns.
func (m *Manager) shutdown(ctx context.Context) {
	now := m.Clock()
	for peer, s := range m.senders {
		out, _ := s.Abort("Shutdown", now)
		m.dispatch(ctx, out, nil)
		delete(m.senders, peer)
		m.closeSessionLog(s.TransferID, false)
	}
	for peer, r := range m.receivers {
		out, _ := r.Abort("Shutdown", now)
		m.dispatch(ctx, out, nil)
		delete(m.receivers, peer)
		m.closeSessionLog(r.TransferID, false)
	}
}
