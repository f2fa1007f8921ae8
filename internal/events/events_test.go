package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = NoopPublisher{}
	if err := pub.Publish(context.Background(), TopicTickCompleted, TickCompleted{}); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close returned unexpected error: %v", err)
	}
}

func TestNATSPublisher_ImplementsPublisher(t *testing.T) {
	var _ Publisher = (*NATSPublisher)(nil)
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(TopicTickCompleted, ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	event := TickCompleted{GroupID: "arena-1", TickID: 42, TickNumber: 7, EntityCount: 3}
	if err := pub.Publish(context.Background(), TopicTickCompleted, event); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	pub.conn.Flush()

	select {
	case msg := <-ch:
		var got TickCompleted
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.GroupID != "arena-1" || got.TickNumber != 7 {
			t.Errorf("got %+v, want group arena-1 tick 7", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisher_PublishMultipleTopics(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("worldsync.>", ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	for _, tc := range []struct {
		topic string
		event any
	}{
		{TopicTickCompleted, TickCompleted{GroupID: "arena-1", TickNumber: 1}},
		{TopicTickFailed, TickFailed{GroupID: "arena-1", Error: "capture failed"}},
		{TopicSessionStarted, SessionStarted{SessionID: "sess-1", AgentID: "agent-7"}},
		{TopicSessionEnded, SessionEnded{SessionID: "sess-1", Reason: "logout"}},
	} {
		if err := pub.Publish(context.Background(), tc.topic, tc.event); err != nil {
			t.Fatalf("Publish(%s): %v", tc.topic, err)
		}
	}
	pub.conn.Flush()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		select {
		case msg := <-ch:
			seen[msg.Subject] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	for _, topic := range []string{
		TopicTickCompleted, TopicTickFailed, TopicSessionStarted, TopicSessionEnded,
	} {
		if !seen[topic] {
			t.Errorf("no message received on %s", topic)
		}
	}
}

func TestNATSSubscriber_ReceivesMessages(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe("worldsync.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	if err := pub.conn.Publish(TopicTickCompleted, []byte(`{"group_id":"arena-1"}`)); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case msg := <-ch:
		if string(msg) != `{"group_id":"arena-1"}` {
			t.Errorf("got %q, want %q", msg, `{"group_id":"arena-1"}`)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSSubscriber_CancelClosesChannel(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(TopicTickCompleted)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()
	cancel() // safe to call twice

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
