// Package upgrade checks that the Postgres buffer schema matches this binary.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// RequiredSchemaVersion is the migration version this binary expects.
// Bump it together with every new file under migrations/.
const RequiredSchemaVersion uint = 1

// pgUndefinedTable is the SQLSTATE for a missing relation.
const pgUndefinedTable = "42P01"

// SchemaStatus is the outcome of comparing schema_migrations with RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// CheckSchema reads the golang-migrate version row. A database without the
// schema_migrations table, or with an empty one, reports version 0.
// Any other query failure is returned.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	var (
		version uint
		dirty   bool
	)
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	switch {
	case err == nil:
	case isFreshDB(err):
		version, dirty = 0, false
	default:
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	return evaluate(version, dirty), nil
}

func isFreshDB(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

func evaluate(version uint, dirty bool) *SchemaStatus {
	return &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
		Compatible:      !dirty && version == RequiredSchemaVersion,
		NeedsMigration:  !dirty && version < RequiredSchemaVersion,
	}
}

// Err maps a status to one of the schema sentinel errors, or nil when compatible.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return ErrSchemaDirty
	case s.Compatible:
		return nil
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	default:
		return ErrSchemaOutdated
	}
}

// FormatError renders operator instructions for an incompatible status.
// It returns "" when the schema is compatible.
func FormatError(s *SchemaStatus) string {
	var b strings.Builder
	switch s.Err() {
	case nil:
		return ""
	case ErrSchemaDirty:
		prev := s.CurrentVersion
		if prev > 0 {
			prev--
		}
		fmt.Fprintf(&b, "Buffer schema is dirty at v%d: a migration stopped partway.\n\n", s.CurrentVersion)
		fmt.Fprintf(&b, "  Fix:  burstgate migrate force %d\n", prev)
		b.WriteString("  Then: burstgate migrate up\n")
	case ErrSchemaAhead:
		fmt.Fprintf(&b, "Buffer schema v%d is newer than this binary (wants v%d).\n\n", s.CurrentVersion, s.RequiredVersion)
		b.WriteString("  Fix: deploy a newer burstgate, or roll back with burstgate migrate goto.\n")
	default:
		fmt.Fprintf(&b, "Buffer schema is outdated: v%d, this binary wants v%d.\n\n", s.CurrentVersion, s.RequiredVersion)
		b.WriteString("  Run: burstgate migrate up\n")
		b.WriteString("  Or set BURSTGATE_AUTO_MIGRATE=true to migrate on startup.\n")
	}
	return b.String()
}
