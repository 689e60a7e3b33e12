package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type PostgresDB struct {
	sqlStore
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return newPostgresDB(d)
}

func newPostgresDB(d *sql.DB) (*PostgresDB, error) {
	p := &PostgresDB{
		sqlStore: sqlStore{db: d, d: dialect{
			name:        "postgres",
			placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
			uniqueField: postgresUniqueField,
		}},
	}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.PingContext(context.Background())
}

// postgresUniqueField maps a unique_violation on one of the users_*_key
// constraints to the API field name.
func postgresUniqueField(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return ""
	}
	c := pqErr.Constraint
	if !strings.HasPrefix(c, "users_") || !strings.HasSuffix(c, "_key") {
		return ""
	}
	return fieldName(strings.TrimSuffix(strings.TrimPrefix(c, "users_"), "_key"))
}
