// Package coordinator implements the central orchestrator: a Dispatcher
// that demultiplexes the bus into per-conversation tasks, and the
// ServeConversation state machine that drives one user request through
// DF lookup, Selector, and Specialist dispatch to a final reply.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/correlation"
	"github.com/aiserve/masfed/internal/logging"
	"github.com/aiserve/masfed/internal/resilience"
	"github.com/aiserve/masfed/internal/selector"
)

// conversationQueues is the pair of channels a running ServeConversation
// task reads from: its main queue (DF replies, Specialist AGREE/RESULT)
// and its dedicated KB-reply queue (STORE/GET responses tagged per
// internal/coordinator/tags.go).
type conversationQueues struct {
	main chan *acl.Frame
	kb   chan *acl.Frame
}

// Dispatcher is the Coordinator's single long-running inbound task.
type Dispatcher struct {
	Bus      bus.Bus
	DFJID    string
	KBJID    string
	Self     string
	Cfg      config.CoordinatorConfig
	Selector selector.Selector
	Book     *correlation.Book
	Log      *logging.Logger
	Breakers *resilience.CircuitBreaker

	sem           *semaphore.Weighted
	mu            sync.Mutex
	conversations map[string]*conversationQueues
}

// NewDispatcher wires a Dispatcher ready to Run.
func NewDispatcher(b bus.Bus, dfJID, kbJID string, cfg config.CoordinatorConfig, sel selector.Selector, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		Bus:           b,
		DFJID:         dfJID,
		KBJID:         kbJID,
		Self:          b.Identity(),
		Cfg:           cfg,
		Selector:      sel,
		Book:          correlation.NewBook(cfg.ReqTimeout + 2*time.Second),
		Log:           log,
		Breakers:      resilience.NewCircuitBreaker(resilience.DefaultSettings),
		sem:           semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrency, 1))),
		conversations: make(map[string]*conversationQueues),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run receives every inbound frame until ctx is done, routing each one per
// spec: KB-tagged replies to their conversation's KB queue, a fresh
// REQUEST.USER_MSG spawns a new ServeConversation, anything else enqueues
// into its conversation's main queue or is dropped if unknown.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		f, err := d.Bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if d.Log != nil {
				d.Log.Warn("dispatcher receive error", "error", err.Error())
			}
			continue
		}
		d.route(ctx, f)
	}
}

func (d *Dispatcher) route(ctx context.Context, f *acl.Frame) {
	base, isKB := splitKBTag(f.ConversationID)
	if isKB {
		d.mu.Lock()
		cq, ok := d.conversations[base]
		d.mu.Unlock()
		if !ok {
			return
		}
		select {
		case cq.kb <- f:
		default:
			if d.Log != nil {
				d.Log.Warn("kb reply queue full, dropping", "conversation_id", base)
			}
		}
		return
	}

	if f.Performative == acl.Request && f.ContentType() == "USER_MSG" {
		d.spawnConversation(ctx, f)
		return
	}

	if f.ConversationID == "" {
		return
	}
	d.mu.Lock()
	cq, ok := d.conversations[f.ConversationID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case cq.main <- f:
	default:
		if d.Log != nil {
			d.Log.Warn("conversation queue full, dropping", "conversation_id", f.ConversationID)
		}
	}
}

func (d *Dispatcher) spawnConversation(ctx context.Context, orig *acl.Frame) {
	convID := orig.ConversationID
	if convID == "" {
		convID = fmt.Sprintf("sess-%d", time.Now().UnixMilli())
		orig.ConversationID = convID
	}

	cq := &conversationQueues{
		main: make(chan *acl.Frame, 16),
		kb:   make(chan *acl.Frame, 16),
	}
	d.mu.Lock()
	d.conversations[convID] = cq
	d.mu.Unlock()

	if !d.sem.TryAcquire(1) {
		// at capacity: block acquisition in the background so callers
		// aren't starved, but bound it by REQ_TIMEOUT_S-scale patience
		go func() {
			acquireCtx, cancel := context.WithTimeout(ctx, d.Cfg.ReqTimeout*time.Duration(d.Cfg.MaxConcurrency))
			defer cancel()
			if err := d.sem.Acquire(acquireCtx, 1); err != nil {
				d.cleanupConversation(convID)
				return
			}
			d.runServe(ctx, orig, convID, cq)
		}()
		return
	}

	go d.runServe(ctx, orig, convID, cq)
}

func (d *Dispatcher) runServe(ctx context.Context, orig *acl.Frame, convID string, cq *conversationQueues) {
	defer d.sem.Release(1)
	defer d.cleanupConversation(convID)

	sc := &serveConversation{
		d:      d,
		orig:   orig,
		convID: convID,
		queue:  cq.main,
		kb: &kbClient{
			d:       d,
			kbJID:   d.KBJID,
			self:    d.Self,
			baseID:  convID,
			replies: cq.kb,
			timeout: d.Cfg.KBTimeout,
		},
	}
	sc.run(ctx)
}

func (d *Dispatcher) cleanupConversation(convID string) {
	time.Sleep(d.Cfg.ConvGraceSec)
	d.mu.Lock()
	delete(d.conversations, convID)
	d.mu.Unlock()
}
