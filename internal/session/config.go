package session

import (
	"time"

	"github.com/z-mesh/z-mesh/internal/transfer"
)

// Config holds the Session Manager's own tunables, layered on top of a
// Transfer Session Config.
type Config struct {
	Transfer     transfer.Config
	TXBurst      int
	TXRateHz     float64
	TickInterval time.Duration
}

// DefaultConfig returns the documented defaults: TX_BURST=3, RATE_HZ=1,
// a 1 Hz tick.
func DefaultConfig() Config {
	return Config{
		Transfer:     transfer.DefaultConfig(),
		TXBurst:      3,
		TXRateHz:     1,
		TickInterval: time.Second,
	}
}
