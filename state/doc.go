// Package state provides the key/value layer under the engine's KV-backed
// record store.
//
// Every write returns a revision and the conditional forms (Create and
// Update) fail when another writer got there first. Status transitions
// of heartbeats and actions are built on these two operations.
//
// # Backends
//
//   - MemoryStore: single process, tests and local runs
//   - NATSStore: NATS JetStream KV, shared between engine replicas
//   - RedisStore: Redis hashes with Lua compare-and-swap scripts
//
// # Usage
//
//	conn, _ := nats.Connect(nats.DefaultURL)
//	kv, _ := state.NewNATSStore(state.NATSStoreConfig{Conn: conn, Bucket: "agentloop"})
//
//	rev, err := kv.Create(ctx, "heartbeat.hb-1", data)
//	if errors.Is(err, state.ErrExists) {
//	    // someone else created it
//	}
//	_, err = kv.Update(ctx, "heartbeat.hb-1", next, rev)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // lost the race
//	}
package state
