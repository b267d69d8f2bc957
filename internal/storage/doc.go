// Package storage persists what must survive a restart: dedup records that
// suppress re-delivery of already pushed items, and the per-cycle delivery
// results log.
//
// Two drivers share the Store interface. The file driver needs nothing
// beyond the filesystem and is the default; the sqlite driver lives behind
// the "sqlite" build tag.
package storage
