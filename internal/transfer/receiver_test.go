package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-mesh/z-mesh/internal/meshframe"
)

type memSink struct {
	stored   map[string][]byte
	failWith error
}

func newMemSink() *memSink { return &memSink{stored: make(map[string][]byte)} }

func (m *memSink) Store(filename string, data []byte) error {
	if m.failWith != nil {
		return m.failWith
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.stored[filename] = cp
	return nil
}

func data(transferID string, idx uint16, payload []byte) *meshframe.Frame {
	return &meshframe.Frame{Kind: meshframe.KindData, Data: &meshframe.Data{TransferID: transferID, Index: idx, Payload: payload}}
}

func endFrame() *meshframe.Frame {
	return &meshframe.Frame{Kind: meshframe.KindEnd, End: &meshframe.End{}}
}

func TestReceiverHappyPathThreeChunks(t *testing.T) {
	now := time.Unix(0, 0)
	sink := newMemSink()
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 3, "report.bin", sink, now)

	out, err := r.OnFrame(data("tid-1", 0, []byte("AAA")), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAck}, kinds(out))

	_, err = r.OnFrame(data("tid-1", 1, []byte("BBB")), now)
	require.NoError(t, err)
	_, err = r.OnFrame(data("tid-1", 2, []byte("CC")), now)
	require.NoError(t, err)

	out, err = r.OnFrame(endFrame(), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindFin}, kinds(out))
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, []byte("AAABBBCC"), sink.stored["report.bin"])
}

func TestReceiverDuplicateDataStillAcksButDoesNotOverwrite(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 1, "a.txt", newMemSink(), now)

	out, err := r.OnFrame(data("tid-1", 0, []byte("first")), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAck}, kinds(out))

	out, err = r.OnFrame(data("tid-1", 0, []byte("second")), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAck}, kinds(out))
	assert.Equal(t, []byte("first"), r.payloads[0])
}

func TestReceiverMissingChunksProduceNaksOnEnd(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 3, "a.txt", newMemSink(), now)

	_, err := r.OnFrame(data("tid-1", 0, []byte("A")), now)
	require.NoError(t, err)
	_, err = r.OnFrame(data("tid-1", 2, []byte("C")), now)
	require.NoError(t, err)

	out, err := r.OnFrame(endFrame(), now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, meshframe.KindNak, out[0].Kind)
	assert.Equal(t, StateReceiving, r.State())
}

func TestReceiverRejectsOutOfRangeIndex(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 2, "a.txt", newMemSink(), now)

	out, err := r.OnFrame(data("tid-1", 5, []byte("x")), now)
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAbort}, kinds(out))
	assert.Equal(t, StateAborted, r.State())
}

func TestReceiverOnFrameAndTickAfterTerminalReturnErrAlreadyFinished(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 1, "a.txt", newMemSink(), now)
	_, err := r.Abort("cancelled", now)
	require.NoError(t, err)

	_, err = r.OnFrame(data("tid-1", 0, []byte("x")), now)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = r.Tick(now)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestReceiverIdleTimeoutAborts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecvIdleTimeout = 5 * time.Second
	now := time.Unix(0, 0)
	r := NewReceiver(cfg, testCodec(), nil, nil, 3, "tid-1", 2, "a.txt", newMemSink(), now)

	out, err := r.Tick(now.Add(6 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []meshframe.Kind{meshframe.KindAbort}, kinds(out))
	assert.Equal(t, StateFailed, r.State())
	assert.ErrorIs(t, r.FailReason, ErrIdleTimeout)
}

func TestReceiverSinkErrorSendsFinErr(t *testing.T) {
	now := time.Unix(0, 0)
	sink := newMemSink()
	sink.failWith = errors.New("disk full")
	r := NewReceiver(DefaultConfig(), testCodec(), nil, nil, 3, "tid-1", 1, "a.txt", sink, now)

	_, err := r.OnFrame(data("tid-1", 0, []byte("x")), now)
	require.NoError(t, err)

	out, err := r.OnFrame(endFrame(), now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, meshframe.KindFin, out[0].Kind)
	assert.Equal(t, StateFailed, r.State())
	assert.ErrorIs(t, r.FailReason, ErrSinkError)
}
