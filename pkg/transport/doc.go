// Package transport abstracts the partitioned append-only log the router
// runs on.
//
// A Connector appends keyed records to a topic and runs subscriptions that
// hand records back one at a time per partition, in append order. Records
// with equal keys always land on the same partition (see Partition), which is
// what serializes all deliveries for one entity.
//
// Built-in connectors register themselves from init():
//
//	import _ "github.com/edgeflare/kroute/pkg/transport/kafka"
//	import _ "github.com/edgeflare/kroute/pkg/transport/nats"
//	import _ "github.com/edgeflare/kroute/pkg/transport/memory"
//
// Every registration creates its own connector through NewConnector; connections
// are never shared between registrations.
package transport
