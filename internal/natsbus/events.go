package natsbus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/indexswap/internal/store"
)

const (
	EventStatus = "status"
	EventModule = "module"
)

// Event is the JSON envelope published on a session topic.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type StatusData struct {
	Status  store.Status `json:"status"`
	Message string       `json:"message"`
}

type ModuleData struct {
	Position int          `json:"position"`
	Module   store.Module `json:"module"`
}

// Publisher publishes orchestration progress to per-session topics.
// Publish failures are logged and dropped.
type Publisher struct {
	client *Client
}

func NewPublisher(c *Client) *Publisher {
	return &Publisher{client: c}
}

func (p *Publisher) PublishStatus(sessionID string, status store.Status, message string) {
	p.publish(sessionID, EventStatus, StatusData{Status: status, Message: message})
}

func (p *Publisher) PublishModule(sessionID string, position int, m store.Module) {
	p.publish(sessionID, EventModule, ModuleData{Position: position, Module: m})
}

func (p *Publisher) publish(sessionID, typ string, data any) {
	if p == nil || p.client == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(Event{
		Type:      typ,
		SessionID: SessionKey(sessionID),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	})
	if err != nil {
		return
	}
	if err := p.client.Publish(TopicSessionEvents(sessionID), payload); err != nil {
		slog.Warn("publish event failed", "type", typ, "error", err)
	}
}

// DecodeStatus returns the status payload of a status event.
func (e Event) DecodeStatus() (StatusData, bool) {
	var d StatusData
	if e.Type != EventStatus || json.Unmarshal(e.Data, &d) != nil {
		return d, false
	}
	return d, true
}
