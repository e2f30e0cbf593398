package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// nilIfEmpty returns nil for empty content so nullable columns stay NULL.
func nilIfEmpty(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// scanLeadRow scans a leads row into a snapshot. It returns nil, nil when the row
// does not exist.
func scanLeadRow(userID string, row *sql.Row) (*LeadSnapshot, error) {
	var record, backup sql.NullString
	snap := LeadSnapshot{UserID: userID}
	err := row.Scan(&record, &backup, &snap.Version, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead %s failed: %w", userID, err)
	}
	if record.Valid {
		snap.Current = []byte(record.String)
	}
	if backup.Valid {
		snap.Backup = []byte(backup.String)
	}
	return &snap, nil
}

// casResult converts the rows affected by a version-guarded write into a version
// conflict error when nothing matched.
func casResult(res sql.Result, userID string, expectedVersion int64) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("lead %s rows affected check failed: %w", userID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: user %s expected version %d", ErrVersionConflict, userID, expectedVersion)
	}
	return expectedVersion + 1, nil
}
