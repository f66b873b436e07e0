// Package cluster carries invalidations between the nodes sharing one
// store.
//
// A node's Invalidator is the publisher of its propagator: every batch a
// local save propagates is encoded as canonical JSON and sent over a
// Transport: Hub within one process, SQLTransport through the shared
// database, or KafkaTransport over a topic read by one consumer group per
// node.
//
// Delivery is at least once; receivers drop duplicates by message id and
// ignore their own messages.
package cluster
