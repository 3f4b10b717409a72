// dbctl is a small debugging CLI over the storage engine, for poking
// at a database directory from the shell: open it, run a checkpoint,
// or print its cache/WAL/transaction stats.
// Usage: dbctl <db-dir> <stats|checkpoint>
package main

import (
	"fmt"
	"os"

	"docengine/config"
	"docengine/session"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db-dir> <stats|checkpoint>\n", os.Args[0])
		os.Exit(1)
	}
	dir, cmd := os.Args[1], os.Args[2]

	conn, err := session.Open(dir, config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dir, err)
		os.Exit(1)
	}
	defer conn.Close()

	switch cmd {
	case "stats":
		s := conn.Stats()
		fmt.Printf("cache_pages:    %d\n", s.CachePages)
		fmt.Printf("cache_capacity: %d\n", s.CacheCapacity)
		fmt.Printf("dirty_pages:    %d\n", s.DirtyPages)
		fmt.Printf("retired_pages:  %d\n", s.RetiredPages)
		fmt.Printf("wal_size_lsn:   %d\n", s.WalSize)
		fmt.Printf("active_txns:    %d\n", s.ActiveTxns)
	case "checkpoint":
		sess := conn.OpenSession()
		if err := sess.Checkpoint(); err != nil {
			fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("checkpoint complete")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
}
