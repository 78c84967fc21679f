// Package topic maps entity types to log topic names.
//
// Kafka topic names are case-sensitive and limited to alphanumerics, `.`, `-`
// and `_`, with a maximum length of 249 bytes. One topic exists per entity
// type (not per entity instance):
//
//	[prefix].[qualified type name]
//
// Examples:
//   - For("kroute", "tasks.Task")                    → kroute.tasks.Task
//   - For("", "github.com/acme/tasks.Task")          → github.com.acme.tasks.Task
//   - For("kroute", "billing/v1.Invoice[Draft]")     → kroute.billing.v1.Invoice_Draft_
//
// The mapping must never change for a deployed entity type: a different name
// is a different log, and the ordering guarantee only holds within one.
package topic

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
)

// MaxLength is the longest topic name Kafka accepts.
const MaxLength = 249

// For returns the topic carrying messages for entityTypeName.
func For(prefix, entityTypeName string) string {
	name := sanitize(entityTypeName)
	if p := sanitize(prefix); p != "" {
		name = p + "." + name
	}
	if len(name) <= MaxLength {
		return name
	}

	// keep names unique after truncation
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	suffix := fmt.Sprintf("-%08x", h.Sum32())
	return name[:MaxLength-len(suffix)] + suffix
}

func sanitize(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "./")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == '/':
			b.WriteByte('.')
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// TypeName returns the qualified name of T: its package path and type name
// joined by a dot. Pointer types resolve to their element type.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
