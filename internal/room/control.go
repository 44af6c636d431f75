package room

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ActionVersionCreated = "version.created"
	ActionDocumentRevert = "document.revert"
)

// Control is an application message sent next to the document stream. It is
// never merged into document state.
type Control struct {
	Action         string `json:"action"`
	VersionName    string `json:"versionName,omitempty"`
	VersionID      int64  `json:"versionId,omitempty"`
	NewVersionName string `json:"newVersionName,omitempty"`
}

func (c Control) Validate() error {
	switch c.Action {
	case ActionVersionCreated:
		if strings.TrimSpace(c.VersionName) == "" {
			return fmt.Errorf("%w: %s without versionName", ErrInvalidMessage, c.Action)
		}
	case ActionDocumentRevert:
		if c.VersionID <= 0 {
			return fmt.Errorf("%w: %s without versionId", ErrInvalidMessage, c.Action)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, c.Action)
	}
	return nil
}

func ControlMessage(replica string, c Control) (Message, error) {
	if err := c.Validate(); err != nil {
		return Message{}, err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("marshal control: %w", err)
	}
	return Message{Type: TypeStateless, Replica: replica, Stateless: payload}, nil
}

// DecodeControl reads a stateless payload. Payloads that are not control
// messages report ok=false without an error.
func DecodeControl(raw json.RawMessage) (Control, bool, error) {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return Control{}, false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if c.Action != ActionVersionCreated && c.Action != ActionDocumentRevert {
		return Control{}, false, nil
	}
	if err := c.Validate(); err != nil {
		return Control{}, false, err
	}
	return c, true, nil
}
