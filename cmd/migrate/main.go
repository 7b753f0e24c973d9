package main

import (
	"database/sql"
	"flag"
	"fmt"
	stdlog "log"
	"os"

	"poly2api-go/internal/migrations"

	_ "github.com/lib/pq"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL connection string")
	action := flag.String("action", "up", "migration action: up, down, or status")
	steps := flag.Int("steps", 1, "steps to roll back when action=down")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -dsn")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		stdlog.Fatalf("open database: %v", err)
	}
	defer db.Close()

	runner, err := migrations.NewRunner(db)
	if err != nil {
		stdlog.Fatalf("bind migrations: %v", err)
	}
	defer runner.Close()

	switch *action {
	case "up":
		if err := runner.Apply(); err != nil {
			stdlog.Fatalf("apply: %v", err)
		}
		stdlog.Println("schema is up to date")
	case "down":
		if err := runner.Rollback(*steps); err != nil {
			stdlog.Fatalf("rollback: %v", err)
		}
		stdlog.Printf("rolled back %d step(s)\n", *steps)
	case "status":
		version, dirty, err := runner.Status()
		if err != nil {
			stdlog.Fatalf("status: %v", err)
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		stdlog.Printf("schema version %d (%s)\n", version, state)
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q (expected up, down, status)\n", *action)
		os.Exit(2)
	}
}
