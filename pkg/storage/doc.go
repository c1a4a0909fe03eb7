/*
Package storage provides BoltDB-backed persistence for Hutch's kernel state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for the three persistent
partitions: the append-only event log, capability token records, and
encrypted tenant secrets. All values are serialized as JSON and stored in
separate buckets.

# Architecture

Hutch uses BoltDB (bbolt) for embedded, transactional storage with no
external dependencies:

	┌───────────────────── hutch.db ─────────────────────┐
	│                                                     │
	│  events         8-byte big-endian id -> Event JSON  │
	│                 (ids from the bucket sequence)      │
	│  tokens         hex token hash -> Capability JSON   │
	│  token_tenants  tenant\x00hash -> hash (index)      │
	│  secrets        tenant\x00name -> Secret JSON       │
	│                                                     │
	└─────────────────────────────────────────────────────┘

Event ids are allocated by NextSequence inside the append transaction, so
a failed commit consumes no ids and the persisted log has no gaps. Event
keys are big-endian, which makes cursor order equal id order; ScanEvents
and range reads rely on that.

Every Update commits with an fsync (BoltDB default). Durability classes
are enforced a level up, in pkg/eventstore, which decides when a caller
waits for the commit.

# Usage

	store, err := storage.NewBoltStore("/var/lib/hutch")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.AppendEvents([]*types.Event{ev})
	last, _ := store.LastEventID()
*/
package storage
