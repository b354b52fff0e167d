package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aiserve/masfed/internal/acl"
)

// WSBus is a Bus implementation dialing a HubServer. It announces its
// identity as the connection's first frame, then reads every subsequent
// frame into an internal queue for Receive while Send writes directly to
// the socket (the hub server does the addressed routing).
type WSBus struct {
	identity string
	conn     *websocket.Conn
	inbound  chan *acl.Frame
	writeMu  sync.Mutex
	closed   chan struct{}
}

// DialWSBus connects to a bus-hub at url and registers as identity.
func DialWSBus(ctx context.Context, url, identity string) (*WSBus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", url, err)
	}

	hello, err := json.Marshal(map[string]string{"jid": identity})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: hello: %w", err)
	}

	b := &WSBus{
		identity: identity,
		conn:     conn,
		inbound:  make(chan *acl.Frame, 256),
		closed:   make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WSBus) Identity() string { return b.identity }

func (b *WSBus) readLoop() {
	defer close(b.inbound)
	for {
		messageType, message, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := acl.Parse(message)
		if err != nil {
			continue
		}
		select {
		case b.inbound <- f:
		case <-b.closed:
			return
		}
	}
}

func (b *WSBus) Send(ctx context.Context, f *acl.Frame) error {
	payload, err := f.Marshal()
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	return b.conn.WriteMessage(websocket.TextMessage, payload)
}

func (b *WSBus) Receive(ctx context.Context) (*acl.Frame, error) {
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

func (b *WSBus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	return b.conn.Close()
}
