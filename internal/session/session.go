// Package session holds the in-memory session model and registry. A
// session is one end-to-end orchestration run; its registry entry is
// the single source of truth polled by the HTTP surface. Sessions do
// not survive a process restart.
package session

import (
	"time"

	"omb-test-runner/internal/environ"
	"omb-test-runner/internal/testexec"
)

// Status is a pipeline state. States only ever advance; a session never
// regresses to an earlier state and terminal states are final.
type Status string

const (
	StatusInitializing       Status = "initializing"
	StatusPreparingEnv       Status = "preparing_environment"
	StatusInstallingModule   Status = "installing_module"
	StatusGeneratingTests    Status = "generating_tests"
	StatusRunningTests       Status = "running_tests"
	StatusProcessingResults  Status = "processing_results"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusStopped            Status = "stopped"
)

// statusRank orders pipeline states. Terminal states share the highest
// rank so completed/failed/stopped never supersede one another.
var statusRank = map[Status]int{
	StatusInitializing:      0,
	StatusPreparingEnv:      1,
	StatusInstallingModule:  2,
	StatusGeneratingTests:   3,
	StatusRunningTests:      4,
	StatusProcessingResults: 5,
	StatusCompleted:         6,
	StatusFailed:            6,
	StatusStopped:           6,
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanAdvanceTo reports whether a transition from s to next moves the
// pipeline forward. Terminal states accept no transitions at all.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Results is the terminal payload of a test session. Exactly one of the
// stage results carries the interesting data: a failed installation
// stops the pipeline with Install set and TestRun nil.
type Results struct {
	Install *environ.InstallResult `json:"installation,omitempty"`
	TestRun *testexec.TestRun      `json:"test_run,omitempty"`
}

// Session tracks one orchestration run.
type Session struct {
	ID          string     `json:"session_id"`
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id,omitempty"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Results     *Results   `json:"results,omitempty"`
}
