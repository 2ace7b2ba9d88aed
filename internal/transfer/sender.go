package transfer

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/z-mesh/z-mesh/internal/events"
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
)

// Sender drives the sender-side Transfer Session state machine:
// stop-and-wait per chunk, one outstanding DATA frame at a time,
// watchdog-driven retransmission, lowest-index-first tie-break on
// simultaneous retransmit candidates.
type Sender struct {
	cfg   Config
	codec *meshframe.Codec
	bus   *events.Bus
	log   *slog.Logger

	TransferID string
	Peer       meshport.NodeID
	Filename   string

	chunks      [][]byte
	totalChunks uint16
	nextToSend  uint16
	ackedCount  int
	unacked     map[uint16]struct{}
	retryCount  map[uint16]uint8

	// retransmitSet holds NAK-requested indices awaiting resend, always
	// drained lowest-index-first.
	retransmitSet map[uint16]struct{}

	state      State
	StartedAt  time.Time
	FailReason error
	failedIdx  *uint16

	beginRetries  uint8
	beginDeadline time.Time
	chunkDeadline time.Time
	finalDeadline time.Time
	finalRetried  bool

	out outbox
}

// NewSender splits fileBytes into CHUNK_PAYLOAD_MAX-sized chunks and
// returns a Sender ready to Start.
func NewSender(cfg Config, codec *meshframe.Codec, bus *events.Bus, log *slog.Logger, peer meshport.NodeID, filename string, fileBytes []byte) *Sender {
	max := cfg.ChunkPayloadMax
	if max <= 0 {
		max = meshframe.DefaultChunkPayload
	}
	var chunks [][]byte
	if len(fileBytes) == 0 {
		chunks = [][]byte{{}}
	} else {
		for i := 0; i < len(fileBytes); i += max {
			end := i + max
			if end > len(fileBytes) {
				end = len(fileBytes)
			}
			chunks = append(chunks, fileBytes[i:end])
		}
	}
	return &Sender{
		cfg:           cfg,
		codec:         codec,
		bus:           bus,
		log:           log,
		Peer:          peer,
		Filename:      meshframe.SanitizeFilename(filename),
		chunks:        chunks,
		totalChunks:   uint16(len(chunks)),
		unacked:       make(map[uint16]struct{}),
		retryCount:    make(map[uint16]uint8),
		retransmitSet: make(map[uint16]struct{}),
	}
}

// send queues a frame already encoded for this session's peer.
func (s *Sender) send(kind meshframe.Kind, raw []byte, err error) error {
	return s.out.emit(s.Peer, kind, raw, err)
}

// Start assigns a fresh TransferID, sends BEGIN, and begins the
// implicit-proceed data flow (the sender does not block waiting for an
// explicit ack of BEGIN before sending the first chunk). Broadcast is
// rejected as a destination: a transfer targets exactly one peer.
func (s *Sender) Start(now time.Time) ([]OutFrame, error) {
	if s.Peer == meshport.Broadcast {
		return nil, fmt.Errorf("%w: broadcast is not a valid transfer destination", ErrProtocolError)
	}
	if s.TransferID == "" {
		s.TransferID = NewTransferID()
	}
	s.StartedAt = now
	s.state = StateNegotiating
	s.beginDeadline = now.Add(s.cfg.NegotiateTimeout)

	raw, err := s.codec.EncodeBegin(meshframe.Begin{
		TransferID: s.TransferID,
		Total:      s.totalChunks,
		Filename:   s.Filename,
	})
	if err := s.send(meshframe.KindBegin, raw, err); err != nil {
		return nil, err
	}

	s.publish(events.Event{Kind: events.KindTransferStarted, TransferStarted: &events.TransferStartedPayload{
		TransferID: s.TransferID, Peer: s.Peer, Filename: s.Filename, Total: s.totalChunks, Direction: events.DirectionSend,
	}})

	if err := s.sendNextOrFinish(now); err != nil {
		return nil, err
	}
	return s.out.Drain(), nil
}

// State returns the session's current lifecycle state.
func (s *Sender) State() State { return s.state }

func (s *Sender) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Sender) dispatchChunk(idx uint16, now time.Time) error {
	raw, err := s.codec.EncodeData(meshframe.Data{
		TransferID: s.TransferID,
		Index:      idx,
		Payload:    s.chunks[idx],
	})
	if err := s.send(meshframe.KindData, raw, err); err != nil {
		return err
	}
	s.unacked[idx] = struct{}{}
	s.chunkDeadline = now.Add(s.cfg.ChunkTimeout)
	s.publish(events.Event{Kind: events.KindChunkSent, ChunkSent: &events.ChunkEventPayload{
		TransferID: s.TransferID, Index: idx, RetryCount: s.retryCount[idx],
	}})
	return nil
}

// sendNextOrFinish dispatches the next outstanding piece of work:
// NAK-driven retransmits first (lowest index), then the next unsent
// chunk, and only once both are exhausted does it finalize with END.
func (s *Sender) sendNextOrFinish(now time.Time) error {
	if len(s.unacked) > 0 {
		return nil // one outstanding DATA at a time
	}
	if idx, ok := s.popLowestRetransmit(); ok {
		if s.state == StateFinalizing {
			s.state = StateTransferring
		}
		return s.dispatchChunk(idx, now)
	}
	if s.nextToSend < s.totalChunks {
		idx := s.nextToSend
		s.nextToSend++
		return s.dispatchChunk(idx, now)
	}
	return s.sendEnd(now)
}

func (s *Sender) popLowestRetransmit() (uint16, bool) {
	if len(s.retransmitSet) == 0 {
		return 0, false
	}
	indices := make([]uint16, 0, len(s.retransmitSet))
	for idx := range s.retransmitSet {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	idx := indices[0]
	delete(s.retransmitSet, idx)
	return idx, true
}

func (s *Sender) sendEnd(now time.Time) error {
	raw, err := s.codec.EncodeEnd(meshframe.End{TransferID: s.TransferID})
	if err := s.send(meshframe.KindEnd, raw, err); err != nil {
		return err
	}
	s.state = StateFinalizing
	s.finalDeadline = now.Add(s.cfg.FinalTimeout)
	s.finalRetried = false
	return nil
}

// OnFrame processes an inbound ACK/NAK/FIN/ABT referencing this
// transfer. Frames for other transfer ids must not be routed here.
func (s *Sender) OnFrame(f *meshframe.Frame, now time.Time) ([]OutFrame, error) {
	if s.state.Terminal() {
		return nil, ErrAlreadyFinished
	}
	var err error
	switch f.Kind {
	case meshframe.KindAck:
		err = s.onAck(f.Ack, now)
	case meshframe.KindNak:
		err = s.onNak(f.Nak, now)
	case meshframe.KindFin:
		err = s.onFin(f.Fin, now)
	case meshframe.KindAbort:
		s.abortWith(f.Abort.Reason)
	default:
		// Other kinds are not meaningful to a sender session; ignore.
	}
	if err != nil {
		return nil, err
	}
	return s.out.Drain(), nil
}

func (s *Sender) onAck(a *meshframe.Ack, now time.Time) error {
	if a.Index >= s.totalChunks {
		if s.log != nil {
			s.log.Warn("ack for unknown chunk index, ignoring", "transfer_id", s.TransferID, "index", a.Index)
		}
		return nil
	}
	if s.state == StateNegotiating {
		s.state = StateTransferring
	}
	if _, ok := s.unacked[a.Index]; !ok {
		// Duplicate ACK (or ACK for an index never outstanding): idempotent no-op.
		return nil
	}
	delete(s.unacked, a.Index)
	s.retryCount[a.Index] = 0
	s.ackedCount++
	s.publish(events.Event{Kind: events.KindChunkAcked, ChunkAcked: &events.ChunkEventPayload{
		TransferID: s.TransferID, Index: a.Index,
	}})
	s.publish(events.Event{Kind: events.KindTransferProgress, TransferProgress: &events.TransferProgressPayload{
		TransferID: s.TransferID, Done: s.ackedCount, Total: int(s.totalChunks), Direction: events.DirectionSend,
	}})
	return s.sendNextOrFinish(now)
}

func (s *Sender) onNak(n *meshframe.Nak, now time.Time) error {
	if n.Index >= s.totalChunks {
		return nil
	}
	s.retryCount[n.Index]++
	if _, inFlight := s.unacked[n.Index]; !inFlight {
		s.retransmitSet[n.Index] = struct{}{}
	}
	return s.sendNextOrFinish(now)
}

func (s *Sender) onFin(f *meshframe.Fin, now time.Time) error {
	if s.state != StateFinalizing {
		return nil
	}
	if f.Status == meshframe.StatusOK {
		s.state = StateCompleted
		s.publish(events.Event{Kind: events.KindTransferCompleted, TransferCompleted: &events.TransferCompletedPayload{
			TransferID: s.TransferID, Peer: s.Peer, Filename: s.Filename, Bytes: s.totalBytes(), Direction: events.DirectionSend,
		}})
		return nil
	}
	return s.fail(ErrProtocolError, nil)
}

func (s *Sender) totalBytes() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func (s *Sender) abortWith(reason string) {
	s.state = StateAborted
	s.FailReason = ErrAborted
	s.publish(events.Event{Kind: events.KindTransferFailed, TransferFailed: &events.TransferFailedPayload{
		TransferID: s.TransferID, Peer: s.Peer, Reason: "aborted: " + reason,
	}})
}

func (s *Sender) fail(reason error, idx *uint16) error {
	s.state = StateFailed
	s.FailReason = reason
	s.failedIdx = idx
	s.publish(events.Event{Kind: events.KindTransferFailed, TransferFailed: &events.TransferFailedPayload{
		TransferID: s.TransferID, Peer: s.Peer, Reason: reason.Error(), ChunkIndex: idx,
	}})
	return nil
}

// Tick drives the watchdog and retransmission logic; must be called
// regularly (the Session Manager's 1 Hz tick) with the current time.
func (s *Sender) Tick(now time.Time) ([]OutFrame, error) {
	if s.state.Terminal() {
		return nil, ErrAlreadyFinished
	}

	if s.state == StateNegotiating && !s.beginDeadline.IsZero() && !now.Before(s.beginDeadline) {
		s.beginRetries++
		if s.beginRetries > s.cfg.MaxRetries {
			s.fail(ErrNoResponse, nil)
			return s.out.Drain(), nil
		}
		raw, err := s.codec.EncodeBegin(meshframe.Begin{
			TransferID: s.TransferID, Total: s.totalChunks, Filename: s.Filename,
		})
		if err := s.send(meshframe.KindBegin, raw, err); err != nil {
			return nil, err
		}
		s.beginDeadline = now.Add(s.cfg.NegotiateTimeout)
	}

	if (s.state == StateNegotiating || s.state == StateTransferring) && len(s.unacked) > 0 && !now.Before(s.chunkDeadline) {
		if err := s.retransmitOutstanding(now); err != nil {
			return nil, err
		}
	}

	if s.state == StateFinalizing && !now.Before(s.finalDeadline) {
		if !s.finalRetried {
			s.finalRetried = true
			raw, err := s.codec.EncodeEnd(meshframe.End{TransferID: s.TransferID})
			if err := s.send(meshframe.KindEnd, raw, err); err != nil {
				return nil, err
			}
			s.finalDeadline = now.Add(s.cfg.FinalTimeout)
		} else {
			s.fail(ErrFinalTimeout, nil)
		}
	}

	return s.out.Drain(), nil
}

func (s *Sender) retransmitOutstanding(now time.Time) error {
	var idx uint16
	for i := range s.unacked {
		idx = i
		break
	}
	s.retryCount[idx]++
	if s.retryCount[idx] > s.cfg.MaxRetries {
		i := idx
		s.fail(ErrChunkExhausted, &i)
		s.publish(events.Event{Kind: events.KindChunkTimedOut, ChunkTimedOut: &events.ChunkEventPayload{
			TransferID: s.TransferID, Index: idx, RetryCount: s.retryCount[idx],
		}})
		return nil
	}
	s.publish(events.Event{Kind: events.KindChunkTimedOut, ChunkTimedOut: &events.ChunkEventPayload{
		TransferID: s.TransferID, Index: idx, RetryCount: s.retryCount[idx],
	}})
	raw, err := s.codec.EncodeData(meshframe.Data{
		TransferID: s.TransferID, Index: idx, Payload: s.chunks[idx],
	})
	if err := s.send(meshframe.KindData, raw, err); err != nil {
		return err
	}
	s.chunkDeadline = now.Add(s.cfg.ChunkTimeout)
	return nil
}

// Abort sends ABT and transitions to Aborted. Safe to call once; a
// second call on a terminal session is a no-op.
func (s *Sender) Abort(reason string, now time.Time) ([]OutFrame, error) {
	if s.state.Terminal() {
		return nil, nil
	}
	raw, err := s.codec.EncodeAbort(meshframe.Abort{TransferID: s.TransferID, Reason: reason})
	if err := s.send(meshframe.KindAbort, raw, err); err != nil {
		return nil, err
	}
	s.abortWith(reason)
	return s.out.Drain(), nil
}
