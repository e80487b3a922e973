// Package realtime maintains the live WebSocket channel to the
// management server: connect/reconnect with bounded backoff, the
// fallback poller for when the socket stays down, and the dispatcher
// that turns server pushes into cache invalidation and typed events.
package realtime

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/fleetview/fleetview-client/entity"
)

// Wire message types beyond the entity mutations.
const (
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
	MessageTypeError = "error"
)

// Message is the JSON envelope exchanged over the socket. Entity pushes
// use Type "<family>_<op>" (player_updated, company_created, ...).
type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// entityType splits a push type into its family and operation, e.g.
// "player_updated" → (players, updated).
func entityType(messageType string) (entity.Family, entity.Op, bool) {
	idx := strings.LastIndex(messageType, "_")
	if idx <= 0 {
		return "", "", false
	}

	family, err := entity.FamilyFromSingular(messageType[:idx])
	if err != nil {
		return "", "", false
	}

	op := entity.Op(messageType[idx+1:])
	switch op {
	case entity.OpCreated, entity.OpUpdated, entity.OpDeleted:
		return family, op, true
	}
	return "", "", false
}
