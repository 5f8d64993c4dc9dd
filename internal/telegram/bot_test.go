package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
	"github.com/mtzanidakis/indexswap/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*telego.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &telego.Message{}, nil
}

func (f *fakeSender) Sent() []*telego.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*telego.SendMessageParams(nil), f.sent...)
}

func statusEvent(t *testing.T, status store.Status, message string) natsbus.Event {
	t.Helper()
	raw, err := json.Marshal(natsbus.StatusData{Status: status, Message: message})
	if err != nil {
		t.Fatal(err)
	}
	return natsbus.Event{Type: natsbus.EventStatus, SessionID: "0123456789abcdef", Data: raw}
}

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestToTelegramMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold**", "*bold*"},
		{"hello **world**!", "hello *world*!"},
		{"**a** and **b**", "*a* and *b*"},
		{"no bold here", "no bold here"},
		{"*already single*", "*already single*"},
	}
	for _, tt := range tests {
		got := toTelegramMarkdown(tt.in)
		if got != tt.want {
			t.Errorf("toTelegramMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("Browser error: page_closed [x] *y* `z`")
	want := "Browser error: page\\_closed \\[x] \\*y\\* \\`z\\`"
	if got != want {
		t.Errorf("escapeMarkdown = %q, want %q", got, want)
	}
}

func TestHandleEventTerminal(t *testing.T) {
	s := &fakeSender{}
	n := NewWithSender(s, []int64{11, 22}, nil)

	n.HandleEvent(context.Background(), statusEvent(t, store.StatusTimedOut, "Time limit reached before completing the swap."))

	sent := s.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].ChatID.ID != 11 || sent[1].ChatID.ID != 22 {
		t.Errorf("unexpected chats %d, %d", sent[0].ChatID.ID, sent[1].ChatID.ID)
	}
	if sent[0].ParseMode != telego.ModeMarkdown {
		t.Errorf("expected markdown parse mode, got %q", sent[0].ParseMode)
	}
	want := "*Swap Timed Out*\nSession `0123456789abcdef`\nTime limit reached before completing the swap."
	if sent[0].Text != want {
		t.Errorf("text = %q, want %q", sent[0].Text, want)
	}
}

func TestHandleEventIgnoresProgress(t *testing.T) {
	s := &fakeSender{}
	n := NewWithSender(s, []int64{11}, nil)

	n.HandleEvent(context.Background(), statusEvent(t, store.StatusProcessing, "Logging into NTU portal..."))
	n.HandleEvent(context.Background(), natsbus.Event{Type: natsbus.EventModule, Data: json.RawMessage(`{}`)})

	if len(s.Sent()) != 0 {
		t.Fatalf("expected no messages, got %d", len(s.Sent()))
	}
}

func TestHandleEventSendFailure(t *testing.T) {
	s := &fakeSender{err: errors.New("boom")}
	n := NewWithSender(s, []int64{11}, nil)
	// Failures are logged, not propagated.
	n.HandleEvent(context.Background(), statusEvent(t, store.StatusCompleted, "done"))
}

func TestReply(t *testing.T) {
	n := NewWithSender(&fakeSender{}, nil, func() int { return 3 })
	if got := n.reply("/status"); got != "**Active swaps:** 3" {
		t.Errorf("reply(/status) = %q", got)
	}
	if got := n.reply("hi"); !strings.Contains(got, "/status") {
		t.Errorf("reply(hi) = %q", got)
	}
}

func TestSubscribeForwardsBusEvents(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	s := &fakeSender{}
	n := NewWithSender(s, []int64{7}, nil)
	if err := n.Subscribe(client); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(n.Stop)
	if err := client.Flush(); err != nil {
		t.Fatal(err)
	}

	natsbus.NewPublisher(client).PublishStatus("session-1", store.StatusCompleted, "All modules have been successfully swapped.")
	if err := client.Flush(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := s.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Text, natsbus.SessionKey("session-1")) {
		t.Errorf("message does not carry the session key: %q", sent[0].Text)
	}
}
