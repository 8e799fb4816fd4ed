// ==============================================================================
// SCHEMA MIGRATION - cmd/migrate/main.go
// ==============================================================================
package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"sharedrive/pkg/config"
	"sharedrive/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("sharedrive-migrate")

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required", nil)
	}
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down|steps N|version|force VERSION]", nil)
	}
	source := "file://" + getEnv("MIGRATIONS_DIR", "migrations")

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		log.Fatal("Failed to create migration driver", map[string]interface{}{"error": err.Error()})
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		log.Fatal("Failed to create migrate instance", map[string]interface{}{"error": err.Error(), "source": source})
	}

	command := os.Args[1]
	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		err = m.Steps(intArg(log, "steps"))
	case "force":
		err = m.Force(intArg(log, "force"))
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			log.Fatal("Failed to read version", map[string]interface{}{"error": verr.Error()})
		}
		log.Info("Current schema version", map[string]interface{}{"version": version, "dirty": dirty})
		return
	default:
		log.Fatal("Unknown command", map[string]interface{}{"command": command})
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Migration failed", map[string]interface{}{"command": command, "error": err.Error()})
	}
	log.Info("Migration complete", map[string]interface{}{"command": command, "no_change": errors.Is(err, migrate.ErrNoChange)})
}

func intArg(log logger.Logger, command string) int {
	if len(os.Args) < 3 {
		log.Fatal("Missing argument", map[string]interface{}{"usage": "migrate " + command + " N"})
	}
	n, err := strconv.Atoi(os.Args[2])
	if err != nil {
		log.Fatal("Argument must be an integer", map[string]interface{}{"value": os.Args[2]})
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
