package download

// UnknownFilename is the placeholder used when neither the filename
// resolution event nor the manager supplied a display name.
const UnknownFilename = "Unknown File"

// State is the lifecycle state reported by the download manager.
type State string

const (
	StateInProgress  State = "in_progress"
	StatePaused      State = "paused"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether the state ends a download's active tracking.
// Terminal records move from the active set to history and are never
// mutated again.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateInterrupted
}

// Valid reports whether s is one of the states the manager may report.
func (s State) Valid() bool {
	switch s {
	case StateInProgress, StatePaused, StateComplete, StateInterrupted:
		return true
	}

	return false
}

// FriendlyStatus maps a lifecycle state to the label shown on surfaces.
func FriendlyStatus(s State) string {
	switch s {
	case StateInProgress:
		return "Downloading"
	case StatePaused:
		return "Paused"
	case StateComplete:
		return "Download Complete"
	case StateInterrupted:
		return "Download Cancelled"
	default:
		return "Unknown"
	}
}

// Record is the authoritative view of a single download. Exactly one
// record exists per live id while the download is active.
type Record struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	State    State  `json:"state"`
	Domain   string `json:"domain"`
}

// Detail captures the filename and origin observed from a
// filename-resolution event, which may arrive before the download is
// officially created.
type Detail struct {
	ID       string `json:"id"`
	Filename string `json:"downloadFileName"`
	Domain   string `json:"domain"`
}

// FilenameEvent is emitted by the manager while it resolves the target
// filename. It must never block the manager.
type FilenameEvent struct {
	ID                string `json:"id"`
	SuggestedFilename string `json:"suggestedFilename"`
	URL               string `json:"url"`
}

// CreatedEvent is emitted by the manager when a download session starts.
type CreatedEvent struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	FinalURL   string `json:"finalUrl"`
	MIME       string `json:"mime"`
	TotalBytes int64  `json:"totalBytes"`
	StartTime  string `json:"startTime"`
	Referrer   string `json:"referrer"`
	Filename   string `json:"filename"`
	State      State  `json:"state"`
}

// ResolvedURL returns the post-redirect URL when the manager reported
// one, falling back to the original URL.
func (e CreatedEvent) ResolvedURL() string {
	if e.FinalURL != "" {
		return e.FinalURL
	}

	return e.URL
}

// ChangedEvent is emitted by the manager when a tracked download moves
// to a new lifecycle state.
type ChangedEvent struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}
