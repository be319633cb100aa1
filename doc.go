// Package graphwal is the durability core of an embedded transactional graph
// store: a segmented write-ahead log with rotation, background checkpointing,
// pruning and crash recovery.
//
// The log is the commit protocol. Every transaction's command batch is
// appended as a Start/Command/Commit entry unit through a single writer lock,
// so log order is commit order and transaction ids are gapless over committed
// transactions. The storage engine behind the log (the engine.Engine
// collaborator) only ever sees batches that the log already made durable.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng := engine.NewInMemory() // your storage engine in production
//
//	db, err := graphwal.Open(ctx, "./data/wal", eng)
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close(ctx)
//
//	tx, err := db.Begin(ctx)
//	if err != nil {
//	    panic(err)
//	}
//	_ = tx.Write([]byte("add-node n1"))
//	txID, err := tx.Commit(ctx)
//
// Opening a store always runs recovery first: the last checkpoint is
// located, the torn tail truncated, committed transactions replayed into the
// engine, and only then are new transactions admitted.
//
// # Durability Modes
//
// Commits fsync according to wal.DurabilityMode: per commit (Sync), batched
// across concurrent committers (GroupCommit, the default), or not at all
// until the next checkpoint (Async).
//
// # Checkpoints and Pruning
//
// A background scheduler writes checkpoint entries when the configured
// threshold triggers; each checkpoint makes older segments prunable. Pruned
// segments can be compressed and shipped to local disk, S3 or MinIO via the
// archive packages.
package graphwal
