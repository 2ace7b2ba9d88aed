package sink

import "fmt"

// MultiSink stores to every wrapped sink in order, stopping at (and
// returning) the first error. The local sink should always be listed
// first so a transfer is never lost to an archive outage alone.
type MultiSink struct {
	sinks []Storer
}

// Storer is the transfer.Sink interface, restated here to avoid this
// package depending on internal/transfer for a single method shape.
type Storer interface {
	Store(filename string, data []byte) error
}

// NewMultiSink composes one or more sinks into one.
func NewMultiSink(sinks ...Storer) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Store(filename string, data []byte) error {
	for i, s := range m.sinks {
		if err := s.Store(filename, data); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}
