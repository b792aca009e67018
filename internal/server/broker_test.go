package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/testutil"
)

func receive(t *testing.T, ch chan []byte, what string) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatalf("%s: timed out waiting for event", what)
		return ""
	}
}

func TestBrokerRoutesSnapshotsToOwningAgent(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	mine := b.SubscribeAgent("truck-1")
	other := b.SubscribeAgent("truck-2")
	obs := b.SubscribeObserver()

	jobID := uuid.New()
	b.PublishSnapshot("truck-1", model.Snapshot{JobID: jobID, AgentID: "truck-1", Status: model.StatusInTransit})

	got := receive(t, mine, "owner")
	if !strings.HasPrefix(got, "event: snapshot\ndata: ") || !strings.Contains(got, jobID.String()) {
		t.Errorf("owner: unexpected event %q", got)
	}
	select {
	case e := <-other:
		t.Errorf("other agent received %q", e)
	case e := <-obs:
		t.Errorf("observer received snapshot %q", e)
	default:
	}
}

func TestBrokerUnsubscribeReportsLastConnection(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	c1 := b.SubscribeAgent("truck-1")
	c2 := b.SubscribeAgent("truck-1")

	if b.UnsubscribeAgent("truck-1", c1) {
		t.Error("first unsubscribe should leave one connection")
	}
	if !b.Connected("truck-1") {
		t.Error("agent should still be connected")
	}
	if !b.UnsubscribeAgent("truck-1", c2) {
		t.Error("second unsubscribe should report the last connection")
	}
	if b.Connected("truck-1") {
		t.Error("agent should be disconnected")
	}
	if _, ok := <-c2; ok {
		t.Error("channel should be closed")
	}
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	slow := b.SubscribeObserver()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.PublishNotice(model.Notice{JobID: uuid.New(), Seq: int64(i)})
	}
	if len(slow) != subscriberBuffer {
		t.Errorf("buffered events: got %d, want %d", len(slow), subscriberBuffer)
	}
	if b.Dropped() != 10 {
		t.Errorf("dropped: got %d, want 10", b.Dropped())
	}
	b.UnsubscribeObserver(slow)
}

type fakeListener struct {
	listened chan string
	payloads chan string
}

func (f *fakeListener) Listen(_ context.Context, channel string) error {
	f.listened <- channel
	return nil
}

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-f.payloads:
		return storage.ChannelJobNotices, p, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func TestBrokerRelaySuppressesLocalNotices(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	obs := b.SubscribeObserver()
	l := &fakeListener{listened: make(chan string, 1), payloads: make(chan string)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Relay(ctx, l) }()

	if ch := <-l.listened; ch != storage.ChannelJobNotices {
		t.Fatalf("listened on %q", ch)
	}
	l.payloads <- `{"seq":1}`
	if got := receive(t, obs, "relayed"); got != "event: notice\ndata: {\"seq\":1}\n\n" {
		t.Errorf("relayed: got %q", got)
	}

	b.PublishNotice(model.Notice{Seq: 2})
	select {
	case e := <-obs:
		t.Errorf("local notice delivered while relaying: %q", e)
	default:
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Relay: %v", err)
	}
	b.PublishNotice(model.Notice{Seq: 3})
	if got := receive(t, obs, "local"); !strings.Contains(got, `"seq":3`) {
		t.Errorf("local after relay: got %q", got)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("notice", `{"id":"123"}`))
	want := "event: notice\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}
