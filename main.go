// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("ganadero-sync - Offline-First Farm Operations Sync Engine")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Println("Two-way synchronization between on-device SQLite stores and an")
	fmt.Println("authoritative Postgres server: durable mutation queues, cursor-based")
	fmt.Println("pulls, optimistic concurrency and tombstone deletion propagation.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  farmsync/    Server reconciliation service (pgx/Postgres)")
	fmt.Println("               Upsert with conflict detection, pull with tombstones,")
	fmt.Println("               typed entity payloads, JWT auth, net/http handlers")
	fmt.Println()
	fmt.Println("  farmsqlite/  Client engine (SQLite via database/sql)")
	fmt.Println("               Local entity store, FIFO mutation queue, sync manager")
	fmt.Println("               with retry budget and conflict resolution")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  HTTP Sync Server (examples/server/)")
	fmt.Println("  Run: cd examples/server && DATABASE_URL=... JWT_SECRET=... go run .")
	fmt.Println()
}
