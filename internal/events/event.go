// Package events implements the Z-Mesh Event Bus: a fan-out of typed
// progress/log/discovery events to non-blocking subscribers (the
// excluded TUI, and the in-core metrics exporter).
package events

import (
	"github.com/google/uuid"

	"github.com/z-mesh/z-mesh/internal/meshport"
)

// Kind discriminates the Event's populated payload field.
type Kind int

const (
	KindNodeSeen Kind = iota
	KindTransferStarted
	KindChunkSent
	KindChunkAcked
	KindChunkTimedOut
	KindTransferProgress
	KindTransferCompleted
	KindTransferFailed
	KindLogLine
)

func (k Kind) String() string {
	switch k {
	case KindNodeSeen:
		return "NodeSeen"
	case KindTransferStarted:
		return "TransferStarted"
	case KindChunkSent:
		return "ChunkSent"
	case KindChunkAcked:
		return "ChunkAcked"
	case KindChunkTimedOut:
		return "ChunkTimedOut"
	case KindTransferProgress:
		return "TransferProgress"
	case KindTransferCompleted:
		return "TransferCompleted"
	case KindTransferFailed:
		return "TransferFailed"
	case KindLogLine:
		return "LogLine"
	default:
		return "Unknown"
	}
}

// Direction distinguishes a transfer's sender/receiver role for
// progress reporting.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// NodeSeenPayload accompanies KindNodeSeen.
type NodeSeenPayload struct {
	ID          meshport.NodeID
	DisplayName string
	SNR         float64
	RSSI        int32
	New         bool
}

// TransferStartedPayload accompanies KindTransferStarted.
type TransferStartedPayload struct {
	TransferID string
	Peer       meshport.NodeID
	Filename   string
	Total      uint16
	Direction  Direction
}

// ChunkEventPayload accompanies KindChunkSent/KindChunkAcked/KindChunkTimedOut.
type ChunkEventPayload struct {
	TransferID string
	Index      uint16
	RetryCount uint8
}

// TransferProgressPayload accompanies KindTransferProgress.
type TransferProgressPayload struct {
	TransferID string
	Done       int
	Total      int
	Direction  Direction
}

// TransferCompletedPayload accompanies KindTransferCompleted.
type TransferCompletedPayload struct {
	TransferID string
	Peer       meshport.NodeID
	Filename   string
	Bytes      int
	Direction  Direction
}

// TransferFailedPayload accompanies KindTransferFailed.
type TransferFailedPayload struct {
	TransferID string
	Peer       meshport.NodeID
	Reason     string
	ChunkIndex *uint16
}

// LogLevel mirrors slog's severity levels for LogLine events.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// LogLinePayload accompanies KindLogLine.
type LogLinePayload struct {
	Level LogLevel
	Text  string
}

// Event is a single bus message. Exactly one payload field is populated,
// matching Kind. Every published event carries a UUID, stamped by
// Bus.Publish when ID is unset, for cross-referencing in logs and
// metrics.
type Event struct {
	ID uuid.UUID
	Kind
	NodeSeen           *NodeSeenPayload
	TransferStarted    *TransferStartedPayload
	ChunkSent          *ChunkEventPayload
	ChunkAcked         *ChunkEventPayload
	ChunkTimedOut      *ChunkEventPayload
	TransferProgress   *TransferProgressPayload
	TransferCompleted  *TransferCompletedPayload
	TransferFailed     *TransferFailedPayload
	LogLine            *LogLinePayload
}
