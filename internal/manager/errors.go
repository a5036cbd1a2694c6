package manager

import "fmt"

// CommandError represents a pause/resume/cancel command rejected by the
// download manager, either at the transport level or with a non-success
// status.
type CommandError struct {
	Command    string // The command that failed ("pause", "resume", "cancel")
	DownloadID string // The download the command targeted
	StatusCode int    // HTTP status code, if the manager answered (0 otherwise)
	Message    string // Response body or transport detail, if any
	Err        error  // Underlying error, if any
}

func (e *CommandError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("manager rejected %s for download %s (HTTP %d): %s", e.Command, e.DownloadID, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("manager %s failed for download %s: %v", e.Command, e.DownloadID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
