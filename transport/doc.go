// Package transport simulates an unreliable request path between a
// clerk and a KV server. The simulator decorates a kv.Service and
// drops each leg of a call independently with a configured
// probability, which is what the clerk's retry contract is written
// against. Swapping in a real network transport means implementing
// kv.Service over it; nothing else changes.
package transport
