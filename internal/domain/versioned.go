package domain

import "time"

// Versioned is embedded by every entity that follows the immutable
// versioning pattern of spec §3: composite (business id, version)
// primary key, soft delete via DeletedAt, monotonic Version per
// business id.
type Versioned struct {
	Version   int64      `db:"version"`
	CreatedAt time.Time  `db:"created_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// IsActive reports whether this version is the current one.
func (v Versioned) IsActive() bool {
	return v.DeletedAt == nil
}
