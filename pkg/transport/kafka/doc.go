// Package kafka implements the log transport on Apache Kafka using sarama.
//
// Topic layout:
//   - One topic per entity type, named by pkg/topic
//   - Key: encoded entity id (pkg/keycodec)
//   - Value: encoded envelope (pkg/envelope)
//   - Headers: kroute-kind, kroute-entity-type, W3C trace context
//
// Partitioning Strategy:
//   - Hash partitioning on the record key (sarama's fnv-1a hash partitioner)
//   - Same key, same partition, as long as the partition count is unchanged
//
// Consumer Groups:
//   - Every instance of a service joins the same group; Kafka assigns each
//     partition to exactly one member, which makes that member the single
//     owner of every entity hashed onto it
//   - Offsets are marked only after a record was handled
//
// Configuration:
//   - Number of Partitions: at least the number of concurrently running
//     instances. Never reduce it on a live topic: keys would move to other
//     partitions and two instances could own the same entity
//   - Replication Factor: Minimum 2 recommended for production
//   - Retention: must outlast the longest consumer downtime
package kafka
