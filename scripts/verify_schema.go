package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// Checks an existing ledger file has the tables and columns the engines use.
//
//	go run ./scripts/verify_schema.go [path]
func main() {
	dbPath := "./data/bracket.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for i, table := range []string{"orders", "broker_credentials"} {
		fmt.Printf("\n%d. Verifying %s table...\n", i+1, table)
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if n == 1 {
			fmt.Printf("✓ %s table exists\n", table)
		} else {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
		}
	}

	fmt.Println("\n3. Verifying ledger columns in orders...")
	var sqlSchema string
	if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='orders'").Scan(&sqlSchema); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, col := range []string{"parent_order_id", "trigger_price", "highest_ltp", "lowest_ltp", "tick_size"} {
		if strings.Contains(sqlSchema, col) {
			fmt.Printf("✓ %s column exists\n", col)
		} else {
			fmt.Printf("❌ %s column MISSING\n", col)
			missing++
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}
