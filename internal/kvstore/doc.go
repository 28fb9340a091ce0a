// Package kvstore defines the string key/value store shared by the guide
// cache, the liveness cache and the pack state store. Values are JSON
// documents written whole; the package offers file, leveldb, sqlite and
// in-memory backends behind one Store interface plus a refcounted per-key
// lock that higher layers use to serialize read-modify-write sequences.
package kvstore
