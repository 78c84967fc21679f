// Package nats implements the log transport on NATS JetStream.
//
// Layout:
//   - One stream per topic. Stream names cannot contain dots, so
//     "acme.Task" is stored in stream "acme_Task"
//   - One subject per partition: <topic>.<partition>, ie acme.Task.3
//   - The partition count is recorded in the stream metadata and never
//     lowered
//   - Record keys travel base64 encoded in the kroute-key header
//
// Ownership is static: each instance lists the partitions it owns in its
// config (default all). For every owned partition there is one durable pull
// consumer, named after the group and partition, with MaxAckPending=1, so a
// partition is never processed by two goroutines at once and a message is
// acked only after its handler returned.
package nats
