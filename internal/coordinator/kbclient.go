package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/aiserve/masfed/internal/acl"
)

// kbClient issues STORE/GET requests to the KB over the bus, using a
// per-conversation reply queue the Dispatcher routes tagged frames into.
// One kbClient is created per ServeConversation task.
type kbClient struct {
	d       *Dispatcher
	kbJID   string
	self    string
	baseID  string
	replies <-chan *acl.Frame
	seq     int
	timeout time.Duration
}

func (k *kbClient) nextSeq() int {
	k.seq++
	return k.seq
}

// store sends REQUEST.STORE and waits for INFORM.STORED or a FAILURE.
func (k *kbClient) store(ctx context.Context, key, contentType string, value any, ifMatch string, tagged func(base string, seq int) string) (map[string]any, error) {
	convID := tagged(k.baseID, k.nextSeq())
	content := map[string]any{
		"type":         "STORE",
		"key":          key,
		"content_type": contentType,
		"value":        value,
	}
	if ifMatch != "" {
		content["if_match"] = ifMatch
	}

	req, err := acl.New("REQUEST", k.self, k.kbJID, content)
	if err != nil {
		return nil, err
	}
	req.ConversationID = convID

	resp, err := k.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Performative == acl.Failure {
		return nil, fmt.Errorf("kb store %s: %v", key, resp.Content["type"])
	}
	return resp.Content, nil
}

// get sends REQUEST.GET and waits for INFORM.VALUE or a FAILURE.
func (k *kbClient) get(ctx context.Context, key string, version int) (map[string]any, error) {
	convID := kbGetConvID(k.baseID, k.nextSeq())
	content := map[string]any{"type": "GET", "key": key}
	if version > 0 {
		content["version"] = version
	}

	req, err := acl.New("REQUEST", k.self, k.kbJID, content)
	if err != nil {
		return nil, err
	}
	req.ConversationID = convID

	resp, err := k.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Performative == acl.Failure {
		return nil, fmt.Errorf("kb get %s: %v", key, resp.Content["type"])
	}
	return resp.Content, nil
}

func (k *kbClient) roundTrip(ctx context.Context, req *acl.Frame) (*acl.Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	if err := k.d.Bus.Send(waitCtx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case f, ok := <-k.replies:
			if !ok {
				return nil, fmt.Errorf("kb reply queue closed")
			}
			if f.ConversationID == req.ConversationID {
				return f, nil
			}
		}
	}
}
