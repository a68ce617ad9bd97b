package atelier

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMailboxCapacity bounds each agent mailbox.
const DefaultMailboxCapacity = 2000

// Bus moves messages between agents through bounded priority mailboxes and
// fans published messages out to live subscribers. Every publish is appended
// durably before it returns; if the store is unavailable the bus degrades to
// failing fast instead of buffering.
type Bus struct {
	mu       sync.Mutex
	store    Store
	capacity int
	logger   *slog.Logger

	mailboxes map[mailboxKey]*mailbox
	subs      map[int64]*subscription
	nextSub   int64
}

type mailboxKey struct {
	runID   string
	agentID string
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMailboxCapacity overrides the default per-agent mailbox bound.
func WithMailboxCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithBusLogger sets the structured logger (default: discard).
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a bus persisting through store.
func NewBus(store Store, opts ...BusOption) *Bus {
	b := &Bus{
		store:     store,
		capacity:  DefaultMailboxCapacity,
		logger:    nopLogger,
		mailboxes: make(map[mailboxKey]*mailbox),
		subs:      make(map[int64]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a mailbox for an agent participating in a run. Publishing
// to an unregistered recipient dead-letters the message.
func (b *Bus) Register(runID, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := mailboxKey{runID, agentID}
	if _, ok := b.mailboxes[key]; !ok {
		b.mailboxes[key] = newMailbox(b.capacity)
	}
}

// Deregister removes an agent's mailbox, waking any blocked Receive.
func (b *Bus) Deregister(runID, agentID string) {
	b.mu.Lock()
	mb := b.mailboxes[mailboxKey{runID, agentID}]
	delete(b.mailboxes, mailboxKey{runID, agentID})
	b.mu.Unlock()
	if mb != nil {
		mb.closeBox()
	}
}

// DeregisterRun removes every mailbox of a run.
func (b *Bus) DeregisterRun(runID string) {
	b.mu.Lock()
	var closing []*mailbox
	for key, mb := range b.mailboxes {
		if key.runID == runID {
			closing = append(closing, mb)
			delete(b.mailboxes, key)
		}
	}
	b.mu.Unlock()
	for _, mb := range closing {
		mb.closeBox()
	}
}

// Publish appends msg durably, enqueues it into every recipient's mailbox,
// and fans it out to live subscribers. Recipients are the explicit To, or
// every registered participant of the run except the sender for broadcasts.
// A full mailbox diverts the message to the dead-letter log and broadcasts a
// message_dropped system notice.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Unix == 0 {
		msg.Unix = NowUnix()
	}
	if msg.Kind == KindVeto {
		msg.Priority = PriorityVeto
	}
	if msg.Priority < 1 {
		msg.Priority = 1
	}
	if msg.Priority > PriorityVeto {
		msg.Priority = PriorityVeto
	}

	// Durable append first: readers and observers only ever see durable
	// messages. Storage failure means degraded mode, fail fast.
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		b.logger.Error("message append failed, bus degraded", "run", msg.RunID, "error", err)
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}

	b.deliver(ctx, msg)
	b.fanout(msg)
	return nil
}

// deliver enqueues msg into recipient mailboxes.
func (b *Bus) deliver(ctx context.Context, msg Message) {
	b.mu.Lock()
	var targets []mailboxKey
	if msg.To != "" {
		targets = append(targets, mailboxKey{msg.RunID, msg.To})
	} else {
		for key := range b.mailboxes {
			if key.runID == msg.RunID && key.agentID != msg.From {
				targets = append(targets, key)
			}
		}
	}
	boxes := make(map[mailboxKey]*mailbox, len(targets))
	for _, key := range targets {
		boxes[key] = b.mailboxes[key]
	}
	b.mu.Unlock()

	for _, key := range targets {
		mb := boxes[key]
		if mb == nil || !mb.push(msg) {
			b.deadLetter(ctx, msg, key.agentID)
		}
	}
}

// deadLetter records a dropped message and broadcasts a system notice. The
// notice is appended and fanned out directly so a full mailbox cannot cause
// recursive drops.
func (b *Bus) deadLetter(ctx context.Context, msg Message, to string) {
	dl := DeadLetter{
		ID:      NewID(),
		RunID:   msg.RunID,
		From:    msg.From,
		To:      to,
		Message: msg,
		Reason:  ErrMailboxFull.Error(),
		Unix:    NowUnix(),
	}
	if err := b.store.AppendDeadLetter(ctx, dl); err != nil {
		b.logger.Error("dead letter append failed", "run", msg.RunID, "error", err)
	}
	b.logger.Warn("message dead-lettered", "run", msg.RunID, "from", msg.From, "to", to, "kind", msg.Kind)

	notice := Message{
		ID:      NewID(),
		RunID:   msg.RunID,
		PhaseID: msg.PhaseID,
		From:    "bus",
		Kind:    KindSystem,
		Content: fmt.Sprintf("message from %s to %s dropped: mailbox full", msg.From, to),
		Metadata: map[string]string{
			MetaEvent:     "message_dropped",
			"dropped_id":  msg.ID,
			"dead_letter": dl.ID,
		},
		Priority: 1,
		Unix:     NowUnix(),
	}
	if err := b.store.AppendMessage(ctx, notice); err != nil {
		b.logger.Error("drop notice append failed", "run", msg.RunID, "error", err)
		return
	}
	b.fanout(notice)
}

// PublishTransient fans msg out to live subscribers without durable append
// or mailbox delivery. Used for token_delta events, which would otherwise
// swamp the append-only log; the final complete message is published
// normally so late subscribers still see the whole content.
func (b *Bus) PublishTransient(msg Message) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Unix == 0 {
		msg.Unix = NowUnix()
	}
	b.fanout(msg)
}

// Receive blocks until a message arrives in the agent's mailbox or ctx is
// done. Deadline expiry returns ErrEmptyMailbox; other context errors pass
// through.
func (b *Bus) Receive(ctx context.Context, runID, agentID string) (Message, error) {
	b.mu.Lock()
	mb := b.mailboxes[mailboxKey{runID, agentID}]
	b.mu.Unlock()
	if mb == nil {
		return Message{}, fmt.Errorf("%w: no mailbox for %s", ErrEmptyMailbox, agentID)
	}
	return mb.pop(ctx)
}

// Rehydrate refills an agent's mailbox from the durable log, used on resume.
// Only messages of the given phase addressed to the agent (or broadcast by
// others) are replayed.
func (b *Bus) Rehydrate(ctx context.Context, runID, phaseID, agentID string) error {
	msgs, err := b.store.ListMessages(ctx, MessageFilter{RunID: runID, PhaseID: phaseID})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	b.mu.Lock()
	mb := b.mailboxes[mailboxKey{runID, agentID}]
	b.mu.Unlock()
	if mb == nil {
		return fmt.Errorf("no mailbox for %s", agentID)
	}
	for _, m := range msgs {
		if m.From == agentID {
			continue
		}
		if m.To != "" && m.To != agentID {
			continue
		}
		if !mb.push(m) {
			b.logger.Warn("rehydrate overflow", "run", runID, "agent", agentID)
			break
		}
	}
	return nil
}

// --- Live fan-out ---

// subscription is one live observer attached to a run.
type subscription struct {
	runID   string
	phaseID string // empty = all phases
	ch      chan Message
	lastID  string
}

// subscriberBuffer bounds how far a slow observer may lag before messages
// are dropped from its stream (the durable log still has them).
const subscriberBuffer = 256

// Subscribe attaches a live observer to a run. When since is non-zero
// (SinceUnix or SinceID), the durable log is replayed first; live messages
// follow with no gap. The returned cancel detaches the observer and closes
// the channel.
func (b *Bus) Subscribe(ctx context.Context, runID, phaseID string, since MessageFilter) (<-chan Message, func(), error) {
	sub := &subscription{
		runID:   runID,
		phaseID: phaseID,
		ch:      make(chan Message, subscriberBuffer),
	}

	// Attach before replay so nothing published mid-replay is lost;
	// duplicates are filtered by the time-sortable id.
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}

	since.RunID = runID
	since.PhaseID = phaseID
	if since.SinceUnix > 0 || since.SinceID != "" {
		history, err := b.store.ListMessages(ctx, since)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
		}
		out := make(chan Message, len(history)+subscriberBuffer)
		go func() {
			defer close(out)
			last := ""
			for _, m := range history {
				out <- m
				last = m.ID
			}
			for m := range sub.ch {
				// UUIDv7 ids sort by time; skip what replay already sent.
				if last != "" && m.ID <= last {
					continue
				}
				out <- m
			}
		}()
		return out, cancel, nil
	}
	return sub.ch, cancel, nil
}

// fanout delivers a durable message to matching live subscribers. Slow
// subscribers lose messages from their live stream, never from the log.
func (b *Bus) fanout(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.runID != msg.RunID {
			continue
		}
		if sub.phaseID != "" && sub.phaseID != msg.PhaseID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("subscriber lagging, dropping live message", "run", msg.RunID, "id", msg.ID)
		}
	}
}

// --- Mailbox: bounded priority queue ---

// mailbox orders messages by priority descending, FIFO within a priority.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   msgHeap
	seq    uint64
	bound  int
	closed bool
}

func newMailbox(bound int) *mailbox {
	mb := &mailbox{bound: bound}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// push enqueues m, reporting false when the mailbox is full or closed.
func (mb *mailbox) push(m Message) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed || len(mb.heap) >= mb.bound {
		return false
	}
	mb.seq++
	heap.Push(&mb.heap, queued{msg: m, seq: mb.seq})
	mb.cond.Signal()
	return true
}

// pop blocks until a message is available or ctx is done.
func (mb *mailbox) pop(ctx context.Context) (Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Broadcast under the lock: a waiter between its ctx.Err check
			// and cond.Wait must not miss the wakeup.
			mb.mu.Lock()
			mb.cond.Broadcast()
			mb.mu.Unlock()
		case <-done:
		}
	}()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if len(mb.heap) > 0 {
			q := heap.Pop(&mb.heap).(queued)
			return q.msg, nil
		}
		if mb.closed {
			return Message{}, ErrEmptyMailbox
		}
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				return Message{}, ErrEmptyMailbox
			}
			return Message{}, err
		}
		mb.cond.Wait()
	}
}

// len returns the current queue depth.
func (mb *mailbox) len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.heap)
}

func (mb *mailbox) closeBox() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

type queued struct {
	msg Message
	seq uint64
}

type msgHeap []queued

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)        { *h = append(*h, x.(queued)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
