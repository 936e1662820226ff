package ingest

import "time"

// Exit codes reported by Summary.ExitCode.
const (
	ExitOK          = 0
	ExitFailedPages = 1
	ExitInterrupted = 130
)

// Summary is the terminal report of a run.
type Summary struct {
	ItemsPersisted  int64
	RecordsRejected int64
	PagesCompleted  int
	PagesPending    int
	FailedPages     []int
	TotalPages      int
	TotalItems      int
	Duration        time.Duration

	// Interrupted is set when shutdown stopped the run before every page
	// was attempted.
	Interrupted bool
}

// ExitCode maps the outcome to a process exit status.
func (s Summary) ExitCode() int {
	switch {
	case len(s.FailedPages) > 0:
		return ExitFailedPages
	case s.Interrupted:
		return ExitInterrupted
	default:
		return ExitOK
	}
}
