package natsbus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SessionKey is the non-secret form of a session id used in topics and
// event payloads. Session ids are bearer tokens and never leave the process.
func SessionKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:8])
}

func TopicSessionEvents(sessionID string) string {
	return fmt.Sprintf("events.session.%s", SessionKey(sessionID))
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsSessions = "events.session.*"
)
