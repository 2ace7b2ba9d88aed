package meshport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// FakeMeshConfig tunes the loss/reorder/latency/duplication model shared
// by every FakePort registered on a FakeMesh.
type FakeMeshConfig struct {
	// LossProbability is the chance [0,1) that a sent frame is dropped.
	LossProbability float64
	// DuplicateProbability is the chance [0,1) that a delivered frame is
	// delivered twice (the mesh gives no duplication guarantee).
	DuplicateProbability float64
	// MinLatency/MaxLatency bound the random per-frame delivery delay.
	// Varying delays across concurrently sent frames is what produces
	// reordering at the receiver.
	MinLatency time.Duration
	MaxLatency time.Duration
	// Rand, if nil, defaults to a package-local source.
	Rand *rand.Rand
}

// FakeMesh is an in-memory hub connecting FakePort instances. It is the
// substrate the Session Manager tests and the demo command run the
// protocol engine against, since real device bring-up is out of scope.
type FakeMesh struct {
	mu    sync.Mutex
	nodes map[NodeID]*FakePort
	cfg   FakeMeshConfig
}

// NewFakeMesh creates a hub with the given loss/reorder/latency model.
func NewFakeMesh(cfg FakeMeshConfig) *FakeMesh {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &FakeMesh{
		nodes: make(map[NodeID]*FakePort),
		cfg:   cfg,
	}
}

// NewPort registers and returns a new FakePort with the given id.
func (m *FakeMesh) NewPort(id NodeID) *FakePort {
	p := &FakePort{
		id:      id,
		mesh:    m,
		inbound: make(chan InboundFrame, 64),
		closed:  make(chan struct{}),
	}
	m.mu.Lock()
	m.nodes[id] = p
	m.mu.Unlock()
	return p
}

func (m *FakeMesh) peers(exclude NodeID) []*FakePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FakePort
	for id, p := range m.nodes {
		if id != exclude {
			out = append(out, p)
		}
	}
	return out
}

func (m *FakeMesh) lookup(id NodeID) *FakePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[id]
}

func (m *FakeMesh) latency() time.Duration {
	if m.cfg.MaxLatency <= m.cfg.MinLatency {
		return m.cfg.MinLatency
	}
	span := m.cfg.MaxLatency - m.cfg.MinLatency
	return m.cfg.MinLatency + time.Duration(m.cfg.Rand.Int63n(int64(span)))
}

// FakePort is an in-memory Port implementation. Safe for concurrent use.
type FakePort struct {
	id      NodeID
	mesh    *FakeMesh
	inbound chan InboundFrame
	link    Link

	mu         sync.Mutex
	closed     chan struct{}
	closedOnce sync.Once

	// failNext, when non-nil, is returned (and cleared) by the next Send.
	failNext error
}

// FailNextSend arms err to be returned by the next Send call, then
// clears. Used by tests to exercise TransientError/FatalError paths.
func (p *FakePort) FailNextSend(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// SetLink sets the link metadata FakePort reports on delivered frames
// originating from this port.
func (p *FakePort) SetLink(l Link) {
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
}

func (p *FakePort) takeFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.failNext
	p.failNext = nil
	return err
}

// Send implements Port.
func (p *FakePort) Send(ctx context.Context, dest NodeID, frame []byte) error {
	if err := p.takeFailure(); err != nil {
		return err
	}

	payload := append([]byte(nil), frame...)

	var targets []*FakePort
	if dest == Broadcast {
		targets = p.mesh.peers(p.id)
	} else if t := p.mesh.lookup(dest); t != nil {
		targets = []*FakePort{t}
	}

	for _, t := range targets {
		t := t
		deliveries := 1
		if p.mesh.cfg.Rand.Float64() < p.mesh.cfg.DuplicateProbability {
			deliveries = 2
		}
		for i := 0; i < deliveries; i++ {
			if p.mesh.cfg.Rand.Float64() < p.mesh.cfg.LossProbability {
				continue
			}
			delay := p.mesh.latency()
			origin := p.id
			p.mu.Lock()
			link := p.link
			p.mu.Unlock()
			time.AfterFunc(delay, func() {
				select {
				case t.inbound <- InboundFrame{Origin: origin, Raw: payload, Link: link}:
				case <-t.closed:
				}
			})
		}
	}
	return nil
}

// Recv implements Port.
func (p *FakePort) Recv(ctx context.Context) (<-chan InboundFrame, error) {
	return p.inbound, nil
}

// LocalID implements Port.
func (p *FakePort) LocalID() NodeID { return p.id }

// Close stops further delivery to this port's inbound channel.
func (p *FakePort) Close() {
	p.closedOnce.Do(func() { close(p.closed) })
}
