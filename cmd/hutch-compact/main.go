package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/hutch", "Hutch data directory")
	before     = flag.Uint64("before", 0, "Drop prunable events with id below this (required)")
	dryRun     = flag.Bool("dry-run", false, "Show what would be dropped without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before compaction (default: <data-dir>/hutch.db.backup)")
)

var bucketEvents = []byte("events")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Hutch Event Log Compaction Tool")
	log.Println("===============================")

	if *before == 0 {
		log.Fatal("-before is required: pass the id history should be pruned up to")
	}

	dbPath := filepath.Join(*dataDir, "hutch.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Cutoff: events below id %d", *before)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := compact(db, *before, *dryRun); err != nil {
		log.Fatalf("Compaction failed: %v", err)
	}

	if *dryRun {
		log.Println("✓ Dry run complete - no changes made")
	} else {
		log.Println("✓ Compaction complete - freed pages are reused by future appends")
	}
}

// lifecycle tracks the deploy/kill history of one identity across the
// whole log.
type lifecycle struct {
	lastDeploy  uint64
	lastKill    uint64
	afterCutoff bool
}

func (lc *lifecycle) live() bool {
	return lc.lastDeploy > 0 && lc.lastKill < lc.lastDeploy
}

// compact drops events below the cutoff that crash recovery can never
// need again. The rules keep replay semantics intact:
//
//   - the latest deployment of a running service is always kept, it is
//     what recovery redeploys from
//   - deploy and kill records of an identity that is running, or that
//     still has events at or past the cutoff, are kept so the replayed
//     lifecycle stays self-consistent
//   - everything else below the cutoff is audit history (crashes,
//     restarts, violations, swap and capability and secret audit trail,
//     shutdown markers) and is dropped
//
// Token and secret records live in their own buckets and are untouched.
func compact(db *bolt.DB, cutoff uint64, dryRun bool) error {
	// Pass 1: fold the whole log into per-identity lifecycle state.
	histories := make(map[types.Identity]*lifecycle)
	total := 0
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			total++
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			id := types.Identity{Tenant: ev.Subject.Tenant, Service: ev.Subject.Service}
			lc := histories[id]
			if lc == nil {
				lc = &lifecycle{}
				histories[id] = lc
			}
			switch ev.Type {
			case types.EventServiceDeployed:
				lc.lastDeploy = ev.ID
			case types.EventServiceKilled:
				lc.lastKill = ev.ID
			}
			if ev.ID >= cutoff {
				lc.afterCutoff = true
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	// Pass 2: collect the droppable keys.
	var (
		drop   [][]byte
		byType = make(map[types.EventType]int)
		kept   int
	)
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.ID >= cutoff {
				kept++
				return nil
			}
			id := types.Identity{Tenant: ev.Subject.Tenant, Service: ev.Subject.Service}
			lc := histories[id]
			switch ev.Type {
			case types.EventServiceDeployed:
				if lc.live() && ev.ID == lc.lastDeploy {
					kept++
					return nil
				}
				fallthrough
			case types.EventServiceKilled:
				if lc.live() || lc.afterCutoff {
					kept++
					return nil
				}
			}
			key := make([]byte, len(k))
			copy(key, k)
			drop = append(drop, key)
			byType[ev.Type]++
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("Events: %d total, %d to drop, %d to keep", total, len(drop), kept)
	for t, n := range byType {
		log.Printf("  %-28s %d", t, n)
	}

	if dryRun || len(drop) == 0 {
		return nil
	}

	// Delete in batches so one giant transaction does not balloon the
	// file we are trying to shrink.
	const batch = 10000
	for start := 0; start < len(drop); start += batch {
		end := start + batch
		if end > len(drop) {
			end = len(drop)
		}
		err := db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketEvents)
			for _, k := range drop[start:end] {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("  deleted %d/%d", end, len(drop))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
