package kroute

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Key types accepted by --key-type
const (
	keyString = "string"
	keyInt32  = "int32"
	keyInt64  = "int64"
	keyUUID   = "uuid"
)

var keyTypes = []string{keyString, keyInt32, keyInt64, keyUUID}

func parseString(s string) (string, error) { return s, nil }

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid int32 key %q: %w", s, err)
	}
	return int32(n), nil
}

func parseInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int64 key %q: %w", s, err)
	}
	return n, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid key %q: %w", s, err)
	}
	return id, nil
}

func unsupportedKeyType(keyType string) error {
	return fmt.Errorf("unsupported key type %q (one of %v)", keyType, keyTypes)
}
