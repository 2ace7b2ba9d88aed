package transfer

import "time"

// Config holds the tunables that pertain to a single Transfer Session.
// Session-Manager-wide knobs (tx burst/rate, discovery interval) live
// in internal/session and internal/registry instead.
type Config struct {
	ChunkPayloadMax   int
	ChunkTimeout      time.Duration
	MaxRetries        uint8
	NegotiateTimeout  time.Duration
	FinalTimeout      time.Duration
	RecvIdleTimeout   time.Duration
	MaxNAKsPerBatch   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkPayloadMax:  120,
		ChunkTimeout:     30 * time.Second,
		MaxRetries:       5,
		NegotiateTimeout: 30 * time.Second,
		FinalTimeout:     60 * time.Second,
		RecvIdleTimeout:  120 * time.Second,
		MaxNAKsPerBatch:  8,
	}
}
