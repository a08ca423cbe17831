// Command query-state is a standalone inspector for gmkit SQLite databases.
// It uses the pure-Go sqlite driver so it builds without cgo, handy for
// poking at a state.db copied off a session machine.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: query-state <db-path> [table] [limit]")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	table := ""
	limit := 10
	if len(os.Args) > 2 {
		table = os.Args[2]
	}
	if len(os.Args) > 3 {
		if n, err := strconv.Atoi(os.Args[3]); err == nil {
			limit = n
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Printf("Error opening DB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if table == "" {
		listTables(db)
		return
	}
	dumpTable(db, table, limit)
}

func listTables(db *sql.DB) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		fmt.Printf("Error querying tables: %v\n", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		rows.Scan(&name)
		var count int
		db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&count)
		fmt.Printf("%-20s %d rows\n", name, count)
	}
}

func dumpTable(db *sql.DB, table string, limit int) {
	// Print schema first
	schemaRows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		fmt.Printf("No table %s\n", table)
		return
	}
	fmt.Printf("Schema:\n")
	for schemaRows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt interface{}
		schemaRows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk)
		fmt.Printf("  - %s (%s)\n", name, typ)
	}
	schemaRows.Close()

	rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit))
	if err != nil {
		fmt.Printf("Error querying %s: %v\n", table, err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		fmt.Printf("Error reading columns: %v\n", err)
		return
	}

	fmt.Printf("\nRows (limit %d):\n", limit)
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		n++
		fmt.Printf("--- row %d ---\n", n)
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			s := fmt.Sprintf("%v", v)
			if len(s) > 200 {
				s = s[:200] + "..."
			}
			fmt.Printf("  %s: %s\n", col, s)
		}
	}
}
