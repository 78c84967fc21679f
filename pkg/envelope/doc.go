// Package envelope defines the unit routed through the log: a domain message
// tagged with its kind (command, event or rejection) and the entity type it
// is addressed to.
//
// Wire format (protobuf wire encoding, no generated code):
//
//	1: kind        varint
//	2: id          bytes
//	3: entity type bytes
//	4: origin id   bytes
//	5: payload     bytes
//	6: timestamp   varint (unix nanoseconds)
//
// The payload is opaque to this package; serialization of the domain message
// itself belongs to the caller.
package envelope
