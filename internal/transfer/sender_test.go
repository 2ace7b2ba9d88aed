package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-mesh/z-mesh/internal/meshframe"
)

func testCodec() *meshframe.Codec { return meshframe.NewCodec(0) }

func ack(transferID string, idx uint16) *meshframe.Frame {
	return &meshframe.Frame{Kind: meshframe.KindAck, Ack: &meshframe.Ack{TransferID: transferID, Index: idx}}
}

func nak(transferID string, idx uint16) *meshframe.Frame {
	return &meshframe.Frame{Kind: meshframe.KindNak, Nak: &meshframe.Nak{TransferID: transferID, Index: idx}}
}

func fin(transferID, status string) *meshframe.Frame {
	return &meshframe.Frame{Kind: meshframe.KindFin, Fin: &meshframe.Fin{TransferID: transferID, Status: status}}
}

func kinds(frames []OutFrame) []meshframe.Kind {
	ks := make([]meshframe.Kind, len(frames))
	for i, f := range frames {
		ks[i] = f.Kind
	}
	return ks
}

func TestSenderHappyPathThreeChunks(t *testing.T) {
	now := time.Unix(0, 0)
	payload := make([]byte, 300)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 7, "report.bin", payload)

	out, err := s.Start(now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindBegin, meshframe.KindData}, kinds(out))
	assert.Equal(t, StateNegotiating, s.State())

	out, err = s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindData}, kinds(out))
	assert.Equal(t, StateTransferring, s.State())

	out, err = s.OnFrame(ack(s.TransferID, 1), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindData}, kinds(out))

	out, err = s.OnFrame(ack(s.TransferID, 2), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindEnd}, kinds(out))
	assert.Equal(t, StateFinalizing, s.State())

	out, err = s.OnFrame(fin(s.TransferID, meshframe.StatusOK), now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSenderSingleByteFile(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", []byte{0x42})

	out, err := s.Start(now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindBegin, meshframe.KindData}, kinds(out))

	out, err = s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindEnd}, kinds(out))

	out, err = s.OnFrame(fin(s.TransferID, meshframe.StatusOK), now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSenderDuplicateAckIsIdempotent(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	out, err := s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	acked := s.ackedCount

	out, err = s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, acked, s.ackedCount)
}

func TestSenderUnknownIndexAckIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	out, err := s.OnFrame(ack(s.TransferID, 99), now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateNegotiating, s.State())
}

func TestSenderWatchdogRetransmitsThenFailsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTimeout = 10 * time.Second
	cfg.NegotiateTimeout = time.Hour
	cfg.MaxRetries = 2
	now := time.Unix(0, 0)

	s := NewSender(cfg, testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	out, err := s.Tick(now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindData}, kinds(out))
	assert.Equal(t, StateNegotiating, s.State())

	now = now.Add(11 * time.Second)
	out, err = s.Tick(now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindData}, kinds(out))

	now = now.Add(11 * time.Second)
	out, err = s.Tick(now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.FailReason, ErrChunkExhausted)
}

func TestSenderBeginRetriesThenNoResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NegotiateTimeout = 5 * time.Second
	cfg.ChunkTimeout = time.Hour
	cfg.MaxRetries = 1
	now := time.Unix(0, 0)

	s := NewSender(cfg, testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	now = now.Add(6 * time.Second)
	out, err := s.Tick(now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindBegin}, kinds(out))
	assert.Equal(t, StateNegotiating, s.State())

	now = now.Add(6 * time.Second)
	out, err = s.Tick(now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.FailReason, ErrNoResponse)
}

func TestSenderNakDuringFinalizingRetransmitsAndResendsEnd(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	_, err = s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	require.Equal(t, StateFinalizing, s.State())

	out, err := s.OnFrame(nak(s.TransferID, 0), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindData}, kinds(out))
	assert.Equal(t, StateTransferring, s.State())

	out, err = s.OnFrame(ack(s.TransferID, 0), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindEnd}, kinds(out))
	assert.Equal(t, StateFinalizing, s.State())
}

func TestSenderAbortFromPeer(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	out, err := s.OnFrame(&meshframe.Frame{Kind: meshframe.KindAbort, Abort: &meshframe.Abort{TransferID: s.TransferID, Reason: "ProtocolError"}}, now)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, StateAborted, s.State())
}

func TestSenderAbortSendsFrameOnce(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)

	out, err := s.Abort("user cancelled", now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAbort}, kinds(out))
	assert.Equal(t, StateAborted, s.State())

	out, err = s.Abort("user cancelled", now)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSenderOnFrameAndTickAfterTerminalReturnErrAlreadyFinished(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSender(DefaultConfig(), testCodec(), nil, nil, 1, "a.txt", make([]byte, 10))
	_, err := s.Start(now)
	require.NoError(t, err)
	_, err = s.Abort("user cancelled", now)
	require.NoError(t, err)

	_, err = s.OnFrame(ack(s.TransferID, 0), now)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = s.Tick(now)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}
