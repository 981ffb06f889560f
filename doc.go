// Package cachekv puts a read-through, write-invalidate Entry Cache in front of
// an ordered key-value store.
//
// A DB is a named logical database over a shared kv.Store and is itself a
// kv.Store, so it drops in wherever the engine was used. Point reads are served
// from the Entry Cache when possible; mutations reach the engine first and only
// then update the cache. Misses are remembered too (Absent), so repeated lookups
// of missing keys stay off the engine. Iterators always go to the engine.
//
// Components:
//   - kv.Store: the engine (backend/memdb, backend/bolt, backend/badger).
//   - Provider: byte store for cache records (provider/lru by default,
//     provider/ristretto, provider/bigcache, provider/redis).
//   - GenStore: generation counter per key. Local (in-process) by default,
//     Redis when several processes share a provider.
//
// Keys:
//
//	<escaped db name><key>         - engine keys (see package namespace)
//	entry:<escaped db name><key>   - provider records
//
// Generations:
//
//	Every mutation bumps the key's generation before it writes the new record,
//	and every record carries the generation it was written under. A read-path
//	populate snapshots the generation before asking the engine and writes only
//	if it has not moved, so a slow reader can never resurrect a value that a
//	concurrent writer already replaced. Mutations also advance an in-process
//	epoch on the key's lock stripe, which covers the case where the generation
//	store failed to bump.
package cachekv
