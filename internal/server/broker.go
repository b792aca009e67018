package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
)

// SSE event names.
const (
	eventSnapshot = "snapshot"
	eventNotice   = "notice"
)

// subscriberBuffer bounds undelivered events per connection.
const subscriberBuffer = 64

// Listener is the LISTEN/NOTIFY side of the Postgres store.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans snapshots out to the owning agent's SSE connections and notices
// out to observer connections. It implements supervisor.Publisher.
//
// When Relay is running, notices come from Postgres NOTIFY so observers see
// jobs supervised by every instance; locally published notices are then
// dropped to avoid duplicates.
type Broker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	agents    map[string]map[chan []byte]struct{}
	observers map[chan []byte]struct{}

	relaying atomic.Bool
	dropped  atomic.Int64
}

// NewBroker creates a Broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:    logger,
		agents:    make(map[string]map[chan []byte]struct{}),
		observers: make(map[chan []byte]struct{}),
	}
}

// SubscribeAgent returns a channel that receives SSE-formatted snapshots for
// agentID. The caller must call UnsubscribeAgent when done.
func (b *Broker) SubscribeAgent(agentID string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.agents[agentID]
	if !ok {
		subs = make(map[chan []byte]struct{})
		b.agents[agentID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// UnsubscribeAgent removes and closes ch. It reports whether agentID has no
// connections left.
func (b *Broker) UnsubscribeAgent(agentID string, ch chan []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.agents[agentID]
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.agents, agentID)
		return true
	}
	return false
}

// Connected reports whether agentID has at least one open connection.
func (b *Broker) Connected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents[agentID]) > 0
}

// SubscribeObserver returns a channel that receives SSE-formatted notices for
// every job.
func (b *Broker) SubscribeObserver() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.observers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// UnsubscribeObserver removes and closes ch.
func (b *Broker) UnsubscribeObserver(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[ch]; ok {
		delete(b.observers, ch)
		close(ch)
	}
}

// PublishSnapshot sends s to every connection of agentID.
func (b *Broker) PublishSnapshot(agentID string, s model.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		b.logger.Error("broker: marshal snapshot", "job_id", s.JobID, "error", err)
		return
	}
	event := formatSSE(eventSnapshot, string(data))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.agents[agentID] {
		b.send(ch, event)
	}
}

// PublishNotice sends n to every observer unless the Postgres relay is
// delivering notices.
func (b *Broker) PublishNotice(n model.Notice) {
	if b.relaying.Load() {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("broker: marshal notice", "job_id", n.JobID, "error", err)
		return
	}
	b.broadcastNotice(string(data))
}

// Relay listens on the job notice channel and forwards every payload to
// observers. It blocks until ctx is cancelled.
func (b *Broker) Relay(ctx context.Context, l Listener) error {
	if err := l.Listen(ctx, storage.ChannelJobNotices); err != nil {
		return err
	}
	b.relaying.Store(true)
	defer b.relaying.Store(false)
	b.logger.Info("broker: relaying notices", "channel", storage.ChannelJobNotices)

	for {
		_, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcastNotice(payload)
	}
}

// Dropped returns the number of events skipped because a subscriber's
// buffer was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

func (b *Broker) broadcastNotice(payload string) {
	event := formatSSE(eventNotice, payload)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.observers {
		b.send(ch, event)
	}
}

// send never blocks. A slow subscriber loses the event; agents recover with
// a resync.
func (b *Broker) send(ch chan []byte, event []byte) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
