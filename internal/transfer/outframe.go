package transfer

import (
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
)

// OutFrame is a frame a session wants transmitted. Sessions never touch
// the Mesh Port directly; the Session Manager drains each session's
// outbox and applies the outbound token bucket to DATA frames only
// (control frames are never rate-limited).
type OutFrame struct {
	Dest meshport.NodeID
	Kind meshframe.Kind
	Raw  []byte
}

type outbox struct {
	frames []OutFrame
}

func (o *outbox) emit(dest meshport.NodeID, kind meshframe.Kind, raw []byte, err error) error {
	if err != nil {
		return err
	}
	o.frames = append(o.frames, OutFrame{Dest: dest, Kind: kind, Raw: raw})
	return nil
}

// Drain returns and clears the queued outbound frames.
func (o *outbox) Drain() []OutFrame {
	f := o.frames
	o.frames = nil
	return f
}
