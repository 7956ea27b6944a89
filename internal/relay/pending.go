package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/stationrelay/internal/protocol/wire"
)

// PendingCall describes one correlated call awaiting its response.
type PendingCall struct {
	UID          string
	MessageType  string
	ExpectedType string
	SentAt       time.Time
}

type pendingEntry struct {
	meta   PendingCall
	result chan wire.Message
}

// pendingCalls maps correlation id to completion handle for one channel.
type pendingCalls struct {
	mu     sync.Mutex
	items  map[string]pendingEntry
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{
		items: make(map[string]pendingEntry),
	}
}

// register returns the completion handle, or false once the registry is closed.
func (p *pendingCalls) register(call PendingCall) (<-chan wire.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	entry := pendingEntry{meta: call, result: make(chan wire.Message, 1)}
	p.items[call.UID] = entry
	return entry.result, true
}

// resolve settles the call matching msg's (type, uid). Non-matching frames leave it pending.
func (p *pendingCalls) resolve(msg wire.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.items[msg.UID]
	if !ok || !msg.Matches(entry.meta.ExpectedType, entry.meta.UID) {
		return false
	}
	delete(p.items, msg.UID)
	entry.result <- msg
	return true
}

func (p *pendingCalls) remove(uid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, uid)
}

// close rejects further registrations and drops every entry; waiters observe channel Done.
func (p *pendingCalls) close() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	n := len(p.items)
	p.items = make(map[string]pendingEntry)
	return n
}

func (p *pendingCalls) list() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}
