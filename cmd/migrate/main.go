package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arielaviv/codeshare-platform/internal/config"
	"github.com/arielaviv/codeshare-platform/internal/dbmigrate"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fatal("config error", "err", err)
	}
	if cfg.DBAdapter != "postgres" {
		fatal("migrations only work with PostgreSQL", "adapter", cfg.DBAdapter)
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	mg, err := dbmigrate.Open(migrationsDir, cfg.PostgresDSN)
	if err != nil {
		fatal("opening migrator", "err", err)
	}
	defer mg.Close()

	switch *command {
	case "up":
		if *steps > 0 {
			err = mg.Steps(*steps)
		} else {
			_, _, err = mg.Up()
		}
		if err != nil {
			mg.Close()
			fatal("migration up failed", "err", err)
		}
		fmt.Println("✓ Migrations applied successfully")
	case "down":
		if *steps > 0 {
			err = mg.Steps(-*steps)
		} else {
			err = mg.Down()
		}
		if err != nil {
			mg.Close()
			fatal("migration down failed", "err", err)
		}
		fmt.Println("✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := mg.Version()
		if err != nil {
			mg.Close()
			fatal("failed to get version", "err", err)
		}
		if dirty {
			fmt.Printf("⚠ Database is in a dirty state (version %d)\n", v)
			mg.Close()
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			mg.Close()
			fatal("version required for force command (use -version flag)")
		}
		if err := mg.Force(int(*version)); err != nil {
			mg.Close()
			fatal("force migration failed", "err", err)
		}
		fmt.Printf("✓ Forced database to version %d\n", *version)
	default:
		mg.Close()
		fatal("unknown command (supported: up, down, version, force)", "command", *command)
	}
}
