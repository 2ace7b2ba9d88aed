package transfer

import (
	"log/slog"
	"time"

	"github.com/z-mesh/z-mesh/internal/events"
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
)

// Receiver drives the receiver-side Transfer Session state machine:
// ACK-per-DATA (including duplicates), END-triggered bounded NAK
// batches, idle-timeout abort.
type Receiver struct {
	cfg   Config
	codec *meshframe.Codec
	bus   *events.Bus
	log   *slog.Logger
	sink  Sink

	TransferID string
	Peer       meshport.NodeID
	Filename   string
	total      uint16

	gaps     *gapTracker
	payloads map[uint16][]byte

	state          State
	StartedAt      time.Time
	lastActivityAt time.Time
	FailReason     error

	out outbox
}

// NewReceiver creates a receiver session on receipt of BEGIN. The
// receiver waits silently for the first DATA rather than sending an
// immediate acknowledgement of BEGIN itself.
func NewReceiver(cfg Config, codec *meshframe.Codec, bus *events.Bus, log *slog.Logger, peer meshport.NodeID, transferID string, total uint16, filename string, sink Sink, now time.Time) *Receiver {
	r := &Receiver{
		cfg:            cfg,
		codec:          codec,
		bus:            bus,
		log:            log,
		sink:           sink,
		TransferID:     transferID,
		Peer:           peer,
		Filename:       meshframe.SanitizeFilename(filename),
		total:          total,
		gaps:           newGapTracker(total),
		payloads:       make(map[uint16][]byte, total),
		state:          StateReceiving,
		StartedAt:      now,
		lastActivityAt: now,
	}
	r.publish(events.Event{Kind: events.KindTransferStarted, TransferStarted: &events.TransferStartedPayload{
		TransferID: transferID, Peer: peer, Filename: r.Filename, Total: total, Direction: events.DirectionReceive,
	}})
	return r
}

// State returns the session's current lifecycle state.
func (r *Receiver) State() State { return r.state }

func (r *Receiver) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func (r *Receiver) send(kind meshframe.Kind, raw []byte, err error) error {
	return r.out.emit(r.Peer, kind, raw, err)
}

// OnFrame processes an inbound DATA/END/ABT frame for this transfer.
func (r *Receiver) OnFrame(f *meshframe.Frame, now time.Time) ([]OutFrame, error) {
	if r.state.Terminal() {
		return nil, ErrAlreadyFinished
	}
	var err error
	switch f.Kind {
	case meshframe.KindData:
		err = r.onData(f.Data, now)
	case meshframe.KindEnd:
		err = r.onEnd(now)
	case meshframe.KindAbort:
		r.abortWith(f.Abort.Reason)
	default:
		// BEGIN is handled by the Session Manager at session creation; other
		// kinds are not meaningful to a receiver session.
	}
	if err != nil {
		return nil, err
	}
	return r.out.Drain(), nil
}

func (r *Receiver) onData(d *meshframe.Data, now time.Time) error {
	r.lastActivityAt = now
	if d.Index >= r.total || len(d.Payload) > meshframe.MaxChunkPayload {
		return r.protocolAbort(now)
	}
	if !r.gaps.has(d.Index) {
		r.payloads[d.Index] = d.Payload
		r.gaps.record(d.Index)
	}
	raw, err := r.codec.EncodeAck(meshframe.Ack{TransferID: r.TransferID, Index: d.Index})
	if err := r.send(meshframe.KindAck, raw, err); err != nil {
		return err
	}
	r.publish(events.Event{Kind: events.KindTransferProgress, TransferProgress: &events.TransferProgressPayload{
		TransferID: r.TransferID, Done: r.gaps.count(), Total: int(r.total), Direction: events.DirectionReceive,
	}})
	return nil
}

func (r *Receiver) protocolAbort(now time.Time) error {
	raw, err := r.codec.EncodeAbort(meshframe.Abort{TransferID: r.TransferID, Reason: "ProtocolError"})
	if sendErr := r.send(meshframe.KindAbort, raw, err); sendErr != nil {
		return sendErr
	}
	r.abortWith("ProtocolError")
	return nil
}

func (r *Receiver) onEnd(now time.Time) error {
	r.lastActivityAt = now
	if r.gaps.count() == int(r.total) {
		data := r.reassemble()
		if err := r.sink.Store(r.Filename, data); err != nil {
			raw, encErr := r.codec.EncodeFin(meshframe.Fin{TransferID: r.TransferID, Status: meshframe.StatusErr})
			if sendErr := r.send(meshframe.KindFin, raw, encErr); sendErr != nil {
				return sendErr
			}
			r.state = StateFailed
			r.FailReason = ErrSinkError
			r.publish(events.Event{Kind: events.KindTransferFailed, TransferFailed: &events.TransferFailedPayload{
				TransferID: r.TransferID, Peer: r.Peer, Reason: ErrSinkError.Error(),
			}})
			return nil
		}
		raw, err := r.codec.EncodeFin(meshframe.Fin{TransferID: r.TransferID, Status: meshframe.StatusOK})
		if sendErr := r.send(meshframe.KindFin, raw, err); sendErr != nil {
			return sendErr
		}
		r.state = StateCompleted
		r.publish(events.Event{Kind: events.KindTransferCompleted, TransferCompleted: &events.TransferCompletedPayload{
			TransferID: r.TransferID, Peer: r.Peer, Filename: r.Filename, Bytes: len(data), Direction: events.DirectionReceive,
		}})
		return nil
	}

	for _, idx := range r.gaps.missing(r.cfg.MaxNAKsPerBatch) {
		raw, err := r.codec.EncodeNak(meshframe.Nak{TransferID: r.TransferID, Index: idx})
		if err := r.send(meshframe.KindNak, raw, err); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) reassemble() []byte {
	var out []byte
	for idx := uint16(0); idx < r.total; idx++ {
		out = append(out, r.payloads[idx]...)
	}
	return out
}

func (r *Receiver) abortWith(reason string) {
	r.state = StateAborted
	r.FailReason = ErrAborted
	r.publish(events.Event{Kind: events.KindTransferFailed, TransferFailed: &events.TransferFailedPayload{
		TransferID: r.TransferID, Peer: r.Peer, Reason: "aborted: " + reason,
	}})
}

// Abort sends ABT and transitions to Aborted. Safe to call once; a
// second call on a terminal session is a no-op.
func (r *Receiver) Abort(reason string, now time.Time) ([]OutFrame, error) {
	if r.state.Terminal() {
		return nil, nil
	}
	raw, err := r.codec.EncodeAbort(meshframe.Abort{TransferID: r.TransferID, Reason: reason})
	if err := r.send(meshframe.KindAbort, raw, err); err != nil {
		return nil, err
	}
	r.abortWith(reason)
	return r.out.Drain(), nil
}

// Tick drives the idle-timeout watchdog; must be called regularly (the
// Session Manager's 1 Hz tick) with the current time.
func (r *Receiver) Tick(now time.Time) ([]OutFrame, error) {
	if r.state.Terminal() {
		return nil, ErrAlreadyFinished
	}
	if now.Sub(r.lastActivityAt) > r.cfg.RecvIdleTimeout {
		raw, err := r.codec.EncodeAbort(meshframe.Abort{TransferID: r.TransferID, Reason: "IdleTimeout"})
		if sendErr := r.send(meshframe.KindAbort, raw, err); sendErr != nil {
			return nil, sendErr
		}
		r.state = StateFailed
		r.FailReason = ErrIdleTimeout
		r.publish(events.Event{Kind: events.KindTransferFailed, TransferFailed: &events.TransferFailedPayload{
			TransferID: r.TransferID, Peer: r.Peer, Reason: ErrIdleTimeout.Error(),
		}})
	}
	return r.out.Drain(), nil
}
