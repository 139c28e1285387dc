// Package main applies and inspects the hub fleet database schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	flag "github.com/spf13/pflag"

	"github.com/narvanalabs/hubfleet/internal/store/postgres"
	"github.com/narvanalabs/hubfleet/pkg/logger"
)

const usage = `Usage: hubfleet-migrate [flags] <command>

Commands:
  up        apply all pending migrations
  down      roll back to --to (default: one step)
  status    print applied and pending migrations
  version   print the current schema version

Flags:
`

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	to := flag.Int64("to", -1, "Target version for down")
	verbose := flag.BoolP("verbose", "v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *dsn == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.ParseLevel(level), false).WithComponent("migrate")

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m, err := postgres.NewMigrator(db, log.Logger)
	if err != nil {
		log.Error("failed to prepare migrator", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = m.Up(ctx)
	case "status":
		err = m.Status(ctx)
	case "version":
		var v int64
		if v, err = m.Version(ctx); err == nil {
			fmt.Println(v)
		}
	case "down":
		target := *to
		if target < 0 {
			var current int64
			if current, err = m.Version(ctx); err == nil {
				target = max(current-1, 0)
			}
		}
		if err == nil {
			err = m.Down(ctx, target)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}
