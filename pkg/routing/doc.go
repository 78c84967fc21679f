// Package routing moves envelopes between callers, the log and delivery
// strategies.
//
//	caller -> Strategy.ShouldPostpone -> Publisher.Send -> log
//	log -> Topology (owned partition, entity type) -> Dispatcher -> Strategy.DeliverNow
//
// Records for one key always land on one partition, and a partition is
// consumed by one goroutine of one instance, so DeliverNow calls for an
// entity never overlap and arrive in publish order.
package routing
