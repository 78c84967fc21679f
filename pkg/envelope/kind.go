package envelope

import (
	"fmt"
	"strings"
)

// Kind discriminates the three message kinds an entity can receive.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCommand
	KindEvent
	KindRejection
)

// Kinds lists every valid kind in dispatch order.
var Kinds = []Kind{KindCommand, KindEvent, KindRejection}

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRejection:
		return "rejection"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is one of Command, Event or Rejection.
func (k Kind) Valid() bool {
	return k >= KindCommand && k <= KindRejection
}

// ParseKind accepts the String form of a kind, or its first letter.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "command", "c":
		return KindCommand, nil
	case "event", "e":
		return KindEvent, nil
	case "rejection", "r":
		return KindRejection, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}
