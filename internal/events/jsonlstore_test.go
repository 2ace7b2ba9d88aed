package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJSONLStorePersistsEvents(t *testing.T) {
	bus := New()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store, err := NewJSONLStore(bus, path, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	bus.Publish(Event{Kind: KindTransferStarted, TransferStarted: &TransferStartedPayload{TransferID: "t1", Filename: "a.bin"}})
	bus.Publish(Event{Kind: KindTransferCompleted, TransferCompleted: &TransferCompletedPayload{TransferID: "t1", Bytes: 42}})

	require.Eventually(t, func() bool {
		lines := readLines(t, path)
		return len(lines) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, store.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	require.Equal(t, "TransferStarted", lines[0].Kind)
	require.Equal(t, "t1", lines[0].TransferID)
	require.Equal(t, "TransferCompleted", lines[1].Kind)
	require.Contains(t, lines[1].Detail, "bytes=42")
}

func TestJSONLStoreReloadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	seed := record{Time: time.Unix(0, 0), Kind: "NodeSeen", Peer: "7"}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, '\n'), 0644))

	bus := New()
	store, err := NewJSONLStore(bus, path, 0)
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, 1, store.lineCount)
	lines := readLines(t, path)
	require.Len(t, lines, 1)
}

func TestJSONLStoreRotatesWhenOverMaxLines(t *testing.T) {
	bus := New()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store, err := NewJSONLStore(bus, path, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	for i := 0; i < 6; i++ {
		bus.Publish(Event{Kind: KindNodeSeen, NodeSeen: &NodeSeenPayload{ID: 1}})
	}

	// The 5th line exceeds maxLines=4 and rotates the file down to the
	// last 2 lines; the 6th is appended after that, leaving 3.
	require.Eventually(t, func() bool {
		return len(readLines(t, path)) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, store.Close())
}

func readLines(t *testing.T, path string) []record {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	entries, _, err := loadJSONL(path)
	require.NoError(t, err)
	_ = data
	return entries
}
