// Package bus abstracts the presence/XMPP-style transport that carries ACL
// frames between agents. The core packages (coordinator, df, kb, presenter,
// specialist) only ever see this interface; how frames actually move
// between processes is an implementation detail picked at cmd/ wiring time.
package bus

import (
	"context"
	"errors"

	"github.com/aiserve/masfed/internal/acl"
)

// ErrClosed is returned by Send/Receive once the bus connection is closed.
var ErrClosed = errors.New("bus: connection closed")

// Bus is one agent's connection to the message bus, opened under a single
// identity. Receive yields every frame addressed to that identity in the
// order the bus observed them; Send delivers a frame to f.Receiver.
type Bus interface {
	Identity() string
	Send(ctx context.Context, f *acl.Frame) error
	Receive(ctx context.Context) (*acl.Frame, error)
	Close() error
}
