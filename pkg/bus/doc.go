// Package bus provides the tiered durable message bus between the ingress
// router and the storage workers. The production implementation runs on NATS
// JetStream; an in-memory implementation with the same redelivery semantics
// backs tests and the embedded single-process mode.
package bus
