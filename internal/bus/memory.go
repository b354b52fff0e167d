package bus

import (
	"context"

	"github.com/aiserve/masfed/internal/acl"
)

// MemoryBus is a Bus backed directly by an in-process Hub, used by tests
// and single-binary deployments that run every agent in one process.
type MemoryBus struct {
	identity string
	hub      *Hub
	inbound  <-chan *acl.Frame
	closed   chan struct{}
}

// NewMemoryBus registers identity on hub and returns its Bus handle.
// Buffer sizes the inbound queue depth.
func NewMemoryBus(hub *Hub, identity string, buffer int) *MemoryBus {
	return &MemoryBus{
		identity: identity,
		hub:      hub,
		inbound:  hub.Register(identity, buffer),
		closed:   make(chan struct{}),
	}
}

func (b *MemoryBus) Identity() string { return b.identity }

func (b *MemoryBus) Send(ctx context.Context, f *acl.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.hub.Route(f)
	return nil
}

func (b *MemoryBus) Receive(ctx context.Context) (*acl.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, ErrClosed
	case f, ok := <-b.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	}
}

func (b *MemoryBus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	b.hub.Deregister(b.identity)
	return nil
}
