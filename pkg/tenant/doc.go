// Package tenant manages tenant registration and the device pairing flow.
// Tenant ids derive deterministically from a device IMEI when one is
// available, so the same device always lands in the same tenant. Pairing
// state lives in the KV store under TTL'd keys and never touches the
// relational schema.
package tenant
