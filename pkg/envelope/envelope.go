package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind = errors.New("envelope: unknown kind")
	ErrMalformed   = errors.New("envelope: malformed")
	ErrMissingID   = errors.New("envelope: id is required")
)

// Envelope wraps a raw domain message with its kind. Values are not modified
// after construction; Unmarshal always returns freshly allocated slices.
type Envelope struct {
	ID         string
	Kind       Kind
	EntityType string
	// OriginID identifies whatever produced the message (a command id, an
	// actor, a request). The core never interprets it.
	OriginID  string
	// Payload is carried as is; nil and empty payloads stay distinct on the wire.
	Payload   []byte
	Timestamp time.Time
}

// New creates an envelope with a time-ordered UUIDv7 id.
func New(kind Kind, entityType string, payload []byte, originID string) Envelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Envelope{
		ID:         id.String(),
		Kind:       kind,
		EntityType: entityType,
		OriginID:   originID,
		Payload:    payload,
		Timestamp:  time.Now().UTC().Round(0),
	}
}

// Validate checks the fields the router depends on. The id is required:
// deduplication keys on it.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrMissingID
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return errors.New("envelope: entity type is required")
	}
	return nil
}
