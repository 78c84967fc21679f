package envelope

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind       protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldEntityType protowire.Number = 3
	fieldOriginID   protowire.Number = 4
	fieldPayload    protowire.Number = 5
	fieldTimestamp  protowire.Number = 6
)

// Marshal encodes e into its binary wire form.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, 0, 32+len(e.ID)+len(e.EntityType)+len(e.OriginID)+len(e.Payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = appendString(b, fieldID, e.ID)
	b = appendString(b, fieldEntityType, e.EntityType)
	b = appendString(b, fieldOriginID, e.OriginID)
	if e.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if !e.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixNano()))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes the output of Marshal. Unknown fields are skipped.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Kind = Kind(v)
			n = m
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Timestamp = time.Unix(0, int64(v)).UTC()
			n = m
		case typ == protowire.BytesType && num >= fieldID && num <= fieldPayload:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldEntityType:
				e.EntityType = string(v)
			case fieldOriginID:
				e.OriginID = string(v)
			case fieldPayload:
				e.Payload = append([]byte{}, v...)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e, nil
}

// PeekKind reads the kind discriminant without decoding the rest.
func PeekKind(data []byte) (Kind, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return KindUnknown, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if num == fieldKind && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return KindUnknown, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(m))
			}
			return Kind(v), nil
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return KindUnknown, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return KindUnknown, fmt.Errorf("%w: missing kind", ErrMalformed)
}
