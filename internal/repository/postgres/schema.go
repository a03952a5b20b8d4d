package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// ExpectedSchemaVersion is the schema this build was written against.
// Startup fails fast when the database disagrees, instead of limping
// along and corrupting queue state.
const ExpectedSchemaVersion = 1

// CheckSchemaVersion verifies the schema_version row matches what this
// binary expects. A missing table or row is treated the same as a
// mismatch: the operator has to run cmd/migrate first.
func CheckSchemaVersion(ctx context.Context, db *sql.DB) error {
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return fmt.Errorf("schema_version row missing: run cmd/migrate")
	}
	if err != nil {
		return fmt.Errorf("schema_version check failed (run cmd/migrate): %w", err)
	}
	if v != ExpectedSchemaVersion {
		return fmt.Errorf("schema version %d does not match expected %d: run cmd/migrate", v, ExpectedSchemaVersion)
	}
	return nil
}
