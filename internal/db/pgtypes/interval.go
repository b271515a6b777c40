// Package pgtypes adapts PostgreSQL-specific column types to Go values.
package pgtypes

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Interval maps a PostgreSQL INTERVAL column to a time.Duration. Sync
// frequencies are stored as intervals so they stay inspectable with plain
// SQL.
type Interval struct {
	Duration time.Duration
	Valid    bool
}

// NewInterval wraps a duration as a non-NULL interval.
func NewInterval(d time.Duration) Interval {
	return Interval{Duration: d, Valid: true}
}

// Scan implements sql.Scanner for INTERVAL columns.
func (i *Interval) Scan(src any) error {
	if src == nil {
		*i = Interval{}
		return nil
	}

	switch v := src.(type) {
	case pgtype.Interval:
		i.set(v)
		return nil
	case string:
		var pg pgtype.Interval
		if err := pg.Scan(v); err != nil {
			return fmt.Errorf("failed to parse interval %q: %w", v, err)
		}
		i.set(pg)
		return nil
	case []byte:
		return i.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Interval", src)
	}
}

// set flattens a pgtype.Interval into a duration. Months are approximated at
// 30 days; schedule frequencies never exceed weeks, so the drift is moot.
func (i *Interval) set(v pgtype.Interval) {
	us := v.Microseconds
	us += int64(v.Days) * 24 * int64(time.Hour/time.Microsecond)
	us += int64(v.Months) * 30 * 24 * int64(time.Hour/time.Microsecond)
	i.Duration = time.Duration(us) * time.Microsecond
	i.Valid = v.Valid
}

// Value implements driver.Valuer for INTERVAL columns.
func (i Interval) Value() (driver.Value, error) {
	if !i.Valid {
		return nil, nil
	}
	return pgtype.Interval{Microseconds: i.Duration.Microseconds(), Valid: true}, nil
}

func (i Interval) String() string {
	if !i.Valid {
		return "NULL"
	}
	return i.Duration.String()
}
