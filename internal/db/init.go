package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"

	"github.com/RezaEskandarii/hpcfire/internal/constants"
	"github.com/RezaEskandarii/hpcfire/internal/lock"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

const schema = "hpcfire_schema"

// Init opens the database, creates the schema and applies every migration
// script in name order. A distributed lock keeps concurrent instances from
// migrating at the same time; the scripts themselves are idempotent.
func Init(postgresURL string, distributedLock lock.DistributedLockManager) error {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrationLock := constants.MigrationLock
	if err = distributedLock.Acquire(migrationLock); err != nil {
		return err
	}
	defer distributedLock.Release(migrationLock)

	if err = db.Ping(); err != nil {
		return err
	}

	if _, err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return err
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		log.Printf("applying migration %s", script.name)
		if _, err := db.Exec(script.body); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}
	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := fs.ReadFile(migrations, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}
