package storage

import "time"

// SessionRecord represents a stored session outcome.
type SessionRecord struct {
	ID           string     `json:"id" db:"id"`
	Kind         string     `json:"kind" db:"kind"` // test, uat
	ModuleName   string     `json:"module_name" db:"module_name"`
	OdooVersion  int        `json:"odoo_version" db:"odoo_version"`
	Status       string     `json:"status" db:"status"` // completed, failed, stopped, expired
	TestsTotal   int        `json:"tests_total" db:"tests_total"`
	TestsPassed  int        `json:"tests_passed" db:"tests_passed"`
	TestsFailed  int        `json:"tests_failed" db:"tests_failed"`
	TestsSkipped int        `json:"tests_skipped" db:"tests_skipped"`
	InstallOK    bool       `json:"install_ok" db:"install_ok"`
	ErrorSummary string     `json:"error_summary,omitempty" db:"error_summary"`
	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	FinalPrice   float64    `json:"final_price" db:"final_price"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SessionFilter provides criteria for querying session records.
type SessionFilter struct {
	Kind   string
	Status string
	Limit  int
	Offset int
}
