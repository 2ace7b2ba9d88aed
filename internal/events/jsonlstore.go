package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// record is the on-disk JSONL shape for a persisted event: flat enough
// to grep, detailed enough to reconstruct what happened without
// replaying the typed payload.
type record struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	TransferID string    `json:"transfer_id,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// JSONLStore subscribes to a Bus and appends every event to a JSONL
// file, rotating once the file exceeds maxLines by keeping only the
// most recent maxLines/2. The Bus's own per-subscriber channel already
// plays the role of an in-memory ring buffer, so JSONLStore only owns
// the file.
type JSONLStore struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	maxLines  int
	lineCount int

	sub *Subscription
}

// NewJSONLStore opens (creating if needed) path for append and
// subscribes to bus. Call Run in its own goroutine to start draining;
// Close flushes and closes the file.
func NewJSONLStore(bus *Bus, path string, maxLines int) (*JSONLStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}
	_, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}
	return &JSONLStore{file: f, path: path, maxLines: maxLines, lineCount: lineCount, sub: bus.Subscribe(0)}, nil
}

// Run drains the bus subscription until ctx is cancelled.
func (s *JSONLStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.append(toRecord(e))
		}
	}
}

// Close unsubscribes and closes the underlying file.
func (s *JSONLStore) Close() error {
	s.sub.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func toRecord(e Event) record {
	r := record{Time: time.Now(), Kind: e.Kind.String()}
	switch e.Kind {
	case KindTransferStarted:
		r.TransferID = e.TransferStarted.TransferID
		r.Peer = fmt.Sprintf("%d", e.TransferStarted.Peer)
		r.Detail = e.TransferStarted.Filename
	case KindChunkSent, KindChunkAcked, KindChunkTimedOut:
		p := e.ChunkSent
		if e.Kind == KindChunkAcked {
			p = e.ChunkAcked
		} else if e.Kind == KindChunkTimedOut {
			p = e.ChunkTimedOut
		}
		r.TransferID = p.TransferID
		r.Detail = fmt.Sprintf("index=%d retry=%d", p.Index, p.RetryCount)
	case KindTransferCompleted:
		r.TransferID = e.TransferCompleted.TransferID
		r.Peer = fmt.Sprintf("%d", e.TransferCompleted.Peer)
		r.Detail = fmt.Sprintf("bytes=%d", e.TransferCompleted.Bytes)
	case KindTransferFailed:
		r.TransferID = e.TransferFailed.TransferID
		r.Peer = fmt.Sprintf("%d", e.TransferFailed.Peer)
		r.Detail = e.TransferFailed.Reason
	case KindNodeSeen:
		r.Peer = fmt.Sprintf("%d", e.NodeSeen.ID)
		r.Detail = e.NodeSeen.DisplayName
	case KindLogLine:
		r.Detail = e.LogLine.Text
	}
	return r
}

func loadJSONL(path string) ([]record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []record
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		entries = append(entries, r)
	}
	return entries, lineCount, scanner.Err()
}

func (s *JSONLStore) append(r record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}
	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// rotate keeps the last maxLines/2 lines. Must be called with s.mu held.
func (s *JSONLStore) rotate() {
	keep := s.maxLines / 2
	entries, _, err := loadJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}
	entries = entries[len(entries)-keep:]

	s.file.Close()
	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}
