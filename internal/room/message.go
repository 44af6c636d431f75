package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pagesync/internal/doc"
)

type Type string

const (
	// TypeSync is sent by a replica right after connecting.
	TypeSync Type = "sync"
	// TypeSyncState answers a sync with the room's accumulated state.
	TypeSyncState Type = "sync_state"
	TypeUpdate    Type = "update"
	// TypeAck tells the origin replica which of its updates the room holds.
	TypeAck       Type = "ack"
	TypeAwareness Type = "awareness"
	TypeStateless Type = "stateless"
)

var ErrInvalidMessage = errors.New("invalid room message")

// ServerReplica marks messages produced by the relay itself, such as the
// answer to a sync.
const ServerReplica = "relay"

// Message is the tagged envelope carried by a room transport. Exactly the
// fields belonging to Type are set.
type Message struct {
	Type      Type              `json:"type"`
	Replica   string            `json:"replica,omitempty"`
	Vector    map[string]uint64 `json:"vector,omitempty"`
	State     *doc.State        `json:"state,omitempty"`
	Empty     bool              `json:"empty,omitempty"`
	Update    *doc.Update       `json:"update,omitempty"`
	Seq       uint64            `json:"seq,omitempty"`
	Awareness []AwarenessEntry  `json:"awareness,omitempty"`
	Stateless json.RawMessage   `json:"stateless,omitempty"`
}

// AwarenessEntry carries one replica's presence. A null State removes the
// replica from the set.
type AwarenessEntry struct {
	Replica string          `json:"replica"`
	Clock   uint64          `json:"clock"`
	State   json.RawMessage `json:"state"`
}

func (e AwarenessEntry) Removed() bool {
	trimmed := strings.TrimSpace(string(e.State))
	return trimmed == "" || trimmed == "null"
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return payload, nil
}

func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeSync, TypeAck:
		return nil
	case TypeSyncState:
		if m.State == nil {
			return fmt.Errorf("%w: sync_state without state", ErrInvalidMessage)
		}
	case TypeUpdate:
		if m.Update == nil {
			return fmt.Errorf("%w: update without fragment", ErrInvalidMessage)
		}
	case TypeAwareness:
		for _, entry := range m.Awareness {
			if entry.Replica == "" {
				return fmt.Errorf("%w: awareness entry without replica", ErrInvalidMessage)
			}
		}
	case TypeStateless:
		if len(m.Stateless) == 0 || !json.Valid(m.Stateless) {
			return fmt.Errorf("%w: stateless payload is not json", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func UpdateMessage(u doc.Update) Message {
	return Message{Type: TypeUpdate, Replica: u.ID.Replica, Update: &u}
}
