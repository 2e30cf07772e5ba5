package message

import (
	"encoding/json"
	"time"

	"pactduel/trust/internal/ratelimit"
)

// Type enumerates the recognised inbound message kinds.
type Type string

const (
	TypePlayerDecision Type = "PLAYER_DECISION"
	TypeChatMessage    Type = "CHAT_MESSAGE"
	TypeJoinQueue      Type = "JOIN_QUEUE"
	TypeLeaveQueue     Type = "LEAVE_QUEUE"
	TypeHostAction     Type = "HOST_ACTION"
	TypeMatchResult    Type = "MATCH_RESULT"
	TypeJoinLobby      Type = "JOIN_LOBBY"
	TypePing           Type = "PING"
)

// classes maps each message type onto its rate budget class. Chat and
// privileged actions draw from stricter budgets than general traffic.
var classes = map[Type]ratelimit.Class{
	TypePlayerDecision: ratelimit.ClassGeneral,
	TypeChatMessage:    ratelimit.ClassChat,
	TypeJoinQueue:      ratelimit.ClassGeneral,
	TypeLeaveQueue:     ratelimit.ClassGeneral,
	TypeHostAction:     ratelimit.ClassHost,
	TypeMatchResult:    ratelimit.ClassGeneral,
	TypeJoinLobby:      ratelimit.ClassGeneral,
	TypePing:           ratelimit.ClassGeneral,
}

// Known reports whether the message type is recognised by the trust layer.
func Known(t Type) bool {
	_, ok := classes[t]
	return ok
}

// ClassOf returns the rate budget class for the message type.
func ClassOf(t Type) ratelimit.Class {
	if class, ok := classes[t]; ok {
		return class
	}
	return ratelimit.ClassGeneral
}

// Envelope is the validated wire form of every inbound message. Payload stays
// raw until the type-specific validator consumes it.
type Envelope struct {
	Type        Type            `json:"type"`
	PlayerID    string          `json:"player_id"`
	TimestampMs int64           `json:"timestamp_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Timestamp converts the millisecond wire timestamp to a time.Time.
func (e Envelope) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// envelopeSchema is the structural contract every inbound frame must satisfy
// before any semantic validation runs. Unknown types are handled separately so
// they surface as a distinct rejected variant rather than a schema error.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "player_id", "timestamp_ms"],
  "properties": {
    "type": {"type": "string", "minLength": 1, "maxLength": 64},
    "player_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "timestamp_ms": {"type": "integer", "minimum": 0},
    "payload": {"type": "object"}
  },
  "additionalProperties": false
}`
