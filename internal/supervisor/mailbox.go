package supervisor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/timers"
)

type msgKind int

const (
	msgAccept msgKind = iota
	msgReport
	msgExpiry
	msgResync
	msgDisconnect
	msgOutcome
	msgQuery
)

type message struct {
	kind    msgKind
	agentID string
	terms   model.JobTerms
	cand    model.Candidate
	exp     timers.Expiry
	outcome model.EventKind
	note    string
	reply   chan Result
}

func (m message) respond(r Result) {
	if m.reply == nil {
		return
	}
	select {
	case m.reply <- r:
	default:
	}
}

// mailbox is a FIFO queue feeding one job actor. Only agent reports count
// against the bound; timer expiries and control messages are always queued
// so authority work is never lost to a backlog.
type mailbox struct {
	jobID uuid.UUID

	mu      sync.Mutex
	queue   []message
	reports int
	limit   int
	closed  bool

	signal chan struct{}
}

func newMailbox(jobID uuid.UUID, limit int) *mailbox {
	return &mailbox{jobID: jobID, limit: limit, signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(m message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errMailboxClosed
	}
	if m.kind == msgReport {
		if b.reports >= b.limit {
			b.mu.Unlock()
			return ErrBacklogFull
		}
		b.reports++
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *mailbox) pop() (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return message{}, false
	}
	m := b.queue[0]
	b.queue[0] = message{}
	b.queue = b.queue[1:]
	if m.kind == msgReport {
		b.reports--
	}
	return m, true
}

// close stops the mailbox accepting messages and returns what was still queued.
func (b *mailbox) close() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	rest := b.queue
	b.queue = nil
	b.reports = 0
	return rest
}

func (b *mailbox) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
