package natsbus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/store"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, _ := newTestBus(t)
	if !strings.HasPrefix(bus.ClientURL(), "nats://") {
		t.Fatalf("unexpected client URL %q", bus.ClientURL())
	}
	if bus.server.JetStreamEnabled() {
		t.Error("events are core pub/sub, JetStream must stay off")
	}
}

func TestPubSub(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublisherEvents(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan Event, 2)
	_, err := client.Subscribe(TopicEventsSessions, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Errorf("bad event json: %v", err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	pub := NewPublisher(client)
	pub.PublishStatus("secret-session-id", store.StatusCompleted, "done")
	pub.PublishModule("secret-session-id", 1, store.Module{OldIndex: "01172", Swapped: true})
	client.Flush()

	var events []Event
	for range 2 {
		select {
		case ev := <-received:
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	status, ok := events[0].DecodeStatus()
	if !ok {
		t.Fatalf("expected status event, got %+v", events[0])
	}
	if status.Status != store.StatusCompleted || status.Message != "done" {
		t.Errorf("unexpected status payload %+v", status)
	}
	if events[0].SessionID != SessionKey("secret-session-id") {
		t.Errorf("expected hashed session id, got %s", events[0].SessionID)
	}
	if strings.Contains(string(events[0].Data), "secret-session-id") {
		t.Error("raw session id leaked into event payload")
	}

	if events[1].Type != EventModule {
		t.Fatalf("expected module event, got %s", events[1].Type)
	}
	if _, ok := events[1].DecodeStatus(); ok {
		t.Error("module event must not decode as status")
	}
	var mod ModuleData
	if err := json.Unmarshal(events[1].Data, &mod); err != nil {
		t.Fatalf("decode module: %v", err)
	}
	if mod.Position != 1 || !mod.Module.Swapped {
		t.Errorf("unexpected module payload %+v", mod)
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	p.PublishStatus("s", store.StatusError, "x")
	NewPublisher(nil).PublishModule("s", 0, store.Module{})
}

func TestTopicNames(t *testing.T) {
	key := SessionKey("abc")
	if len(key) != 16 {
		t.Errorf("expected 16 char key, got %q", key)
	}
	if key != SessionKey("abc") {
		t.Error("expected stable key")
	}
	if key == SessionKey("abd") {
		t.Error("expected distinct keys")
	}
	if got := TopicSessionEvents("abc"); got != "events.session."+key {
		t.Errorf("unexpected topic %s", got)
	}
}
