package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a ChangeEvent.
type Kind int

const (
	LockGranted Kind = iota + 1
	LockReleased
	LockExpired
	ItemMutated
)

var kindNames = map[Kind]string{
	LockGranted:  "LockGranted",
	LockReleased: "LockReleased",
	LockExpired:  "LockExpired",
	ItemMutated:  "ItemMutated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// LockTransition reports whether k changes the lock state of an item.
func (k Kind) LockTransition() bool {
	return k == LockGranted || k == LockReleased || k == LockExpired
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("broadcast: unknown kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("broadcast: unknown kind %q", b)
}

// LockPayload describes the lease carried by lock transition events.
type LockPayload struct {
	LeaseID   string    `json:"leaseId"`
	Holder    string    `json:"holder"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChangeEvent is an immutable record of an item state change.
type ChangeEvent struct {
	ItemID string `json:"itemId"`
	Kind   Kind   `json:"kind"`
	// Payload is a LockPayload for lock transitions and the mutated item for
	// ItemMutated. Events decoded from a relay carry a json.RawMessage.
	Payload  any       `json:"payload,omitempty"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
	// Origin names the node that produced the event.
	Origin string `json:"origin,omitempty"`
}

type wireEvent struct {
	ItemID   string          `json:"itemId"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sequence uint64          `json:"sequence"`
	At       time.Time       `json:"at"`
	Origin   string          `json:"origin,omitempty"`
}

// DecodeEvent parses an event encoded with json.Marshal. The payload is kept
// as raw JSON.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, err
	}
	ev := ChangeEvent{
		ItemID:   w.ItemID,
		Kind:     w.Kind,
		Sequence: w.Sequence,
		At:       w.At,
		Origin:   w.Origin,
	}
	if len(w.Payload) > 0 {
		ev.Payload = w.Payload
	}
	return ev, nil
}
