package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"b24app.dev/internal/migrate"
	"b24app.dev/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("B24APP_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory with SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory with SQL seeds (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or B24APP_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, source(*migrationsPath, migrations.SQL()), source(*seedsPath, migrations.Seeds()))

	var applied []string
	switch flag.Arg(0) {
	case "up":
		applied, err = mgr.Up(ctx)
	case "seed":
		applied, err = mgr.Seed(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			applied = []string{name}
		}
	case "status":
		applied, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if errors.Is(err, migrate.ErrNothingApplied) {
		fmt.Println("nothing to do")
		return
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, item := range applied {
		fmt.Println(item)
	}
}

func source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}
