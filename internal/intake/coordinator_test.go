package intake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aakasharya8451/reduce/internal/decision"
	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

// callLog records cross-mock call order so tests can assert sequencing
// between manager commands and the decision request.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.entries...)
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}

	return n
}

type mockCommander struct {
	log       *callLog
	pauseErr  error
	resumeErr error
	cancelErr error
}

func (m *mockCommander) Pause(ctx context.Context, id string) error {
	m.log.add("pause:" + id)

	return m.pauseErr
}

func (m *mockCommander) Resume(ctx context.Context, id string) error {
	m.log.add("resume:" + id)

	return m.resumeErr
}

func (m *mockCommander) Cancel(ctx context.Context, id string) error {
	m.log.add("cancel:" + id)

	return m.cancelErr
}

type mockDecider struct {
	log     *callLog
	verdict decision.Verdict

	mu          sync.Mutex
	lastMeta    decision.MetaData
	lastHeaders map[string]string
	lastDetail  download.Detail
	lastHash    *string
}

func (m *mockDecider) Decide(ctx context.Context, id string, md decision.MetaData, headers map[string]string, detail download.Detail, partialHash *string) decision.Verdict {
	m.log.add("decide:" + id)

	m.mu.Lock()
	m.lastMeta = md
	m.lastHeaders = headers
	m.lastDetail = detail
	m.lastHash = partialHash
	m.mu.Unlock()

	return m.verdict
}

type mockProber struct {
	headers    map[string]string
	headersErr error
	hash       string
	hashErr    error
}

func (m *mockProber) FetchHeaders(ctx context.Context, url string) (map[string]string, error) {
	if m.headers == nil {
		return map[string]string{}, m.headersErr
	}

	return m.headers, m.headersErr
}

func (m *mockProber) PartialHash(ctx context.Context, url string, totalBytes int64) (string, error) {
	return m.hash, m.hashErr
}

type mockDispatcher struct {
	log *callLog

	mu           sync.Mutex
	lastMessage  string
	lastFilename string
}

func (m *mockDispatcher) ShowAlert(id, message, filename string) {
	m.log.add("showAlert:" + id)

	m.mu.Lock()
	m.lastMessage = message
	m.lastFilename = filename
	m.mu.Unlock()
}

func (m *mockDispatcher) CloseAlert(id string) {
	m.log.add("closeAlert:" + id)
}

type fixture struct {
	coordinator *Coordinator
	store       *download.Store
	commander   *mockCommander
	decider     *mockDecider
	prober      *mockProber
	dispatcher  *mockDispatcher
	log         *callLog
}

func newFixture(verdict decision.Verdict) *fixture {
	log := &callLog{}

	f := &fixture{
		store:      download.NewStore(nil, nil, 100),
		commander:  &mockCommander{log: log},
		decider:    &mockDecider{log: log, verdict: verdict},
		prober:     &mockProber{headers: map[string]string{"content-type": "application/zip"}},
		dispatcher: &mockDispatcher{log: log},
		log:        log,
	}

	f.coordinator = NewCoordinator(f.store, f.commander, f.decider, f.prober, f.dispatcher, nil)

	return f
}

func createdEvent(id string, totalBytes int64) download.CreatedEvent {
	return download.CreatedEvent{
		ID:         id,
		URL:        "https://example.com/files/" + id + ".zip",
		MIME:       "application/zip",
		TotalBytes: totalBytes,
		Filename:   id + ".zip",
		State:      download.StateInProgress,
	}
}

func TestCoordinator_ResolutionBeforeCreation(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	ctx := context.Background()

	f.coordinator.OnFilenameResolving(ctx, download.FilenameEvent{
		ID:                "d-1",
		SuggestedFilename: "resolved-name.zip",
		URL:               "https://example.com/files/d-1.zip",
	})

	ev := createdEvent("d-1", mib)
	ev.Filename = "manager-name.zip"

	f.coordinator.OnCreated(ctx, ev)
	f.coordinator.Wait()

	rec, ok := f.store.Get("d-1")
	require.True(t, ok)
	assert.Equal(t, "resolved-name.zip", rec.Filename, "the resolution filename must win")
	assert.Equal(t, "example.com", rec.Domain)

	assert.Equal(t, "resolved-name.zip", f.decider.lastDetail.Filename)
	assert.Empty(t, f.coordinator.pending, "pending detail must be consumed exactly once")
}

func TestCoordinator_ResolutionAfterCreation(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	ctx := context.Background()

	f.coordinator.OnCreated(ctx, createdEvent("d-1", mib))
	f.coordinator.Wait()

	rec, _ := f.store.Get("d-1")
	require.Equal(t, "d-1.zip", rec.Filename)

	f.coordinator.OnFilenameResolving(ctx, download.FilenameEvent{
		ID:                "d-1",
		SuggestedFilename: "resolved-name.zip",
		URL:               "https://example.com/files/d-1.zip",
	})

	rec, _ = f.store.Get("d-1")
	assert.Equal(t, "resolved-name.zip", rec.Filename, "late resolution must patch the record in place")
}

func TestCoordinator_ConcurrentResolutionAndCreation(t *testing.T) {
	// Whatever the interleaving, an observed resolution event must end up
	// as the record's filename.
	for i := 0; i < 50; i++ {
		f := newFixture(decision.VerdictAllow)
		ctx := context.Background()
		id := fmt.Sprintf("d-%d", i)

		ev := createdEvent(id, mib)
		ev.Filename = "manager-name.zip"

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()

			f.coordinator.OnFilenameResolving(ctx, download.FilenameEvent{
				ID:                id,
				SuggestedFilename: "resolved-name.zip",
				URL:               ev.URL,
			})
		}()

		go func() {
			defer wg.Done()

			f.coordinator.OnCreated(ctx, ev)
		}()

		wg.Wait()
		f.coordinator.Wait()

		rec, ok := f.store.Get(id)
		require.True(t, ok)
		assert.Equal(t, "resolved-name.zip", rec.Filename)
	}
}

func TestCoordinator_FilenameFallbacks(t *testing.T) {
	f := newFixture(decision.VerdictAllow)

	ev := createdEvent("d-1", mib)
	ev.Filename = ""

	f.coordinator.OnCreated(context.Background(), ev)
	f.coordinator.Wait()

	rec, _ := f.store.Get("d-1")
	assert.Equal(t, download.UnknownFilename, rec.Filename)
}

func TestCoordinator_PauseBeforeDecision(t *testing.T) {
	f := newFixture(decision.VerdictAllow)

	f.coordinator.OnCreated(context.Background(), createdEvent("d-1", mib))
	f.coordinator.Wait()

	entries := f.log.all()

	pauseIdx, decideIdx, resumeIdx := -1, -1, -1
	for i, e := range entries {
		switch e {
		case "pause:d-1":
			pauseIdx = i
		case "decide:d-1":
			decideIdx = i
		case "resume:d-1":
			resumeIdx = i
		}
	}

	require.GreaterOrEqual(t, pauseIdx, 0)
	require.GreaterOrEqual(t, decideIdx, 0)
	require.GreaterOrEqual(t, resumeIdx, 0)

	assert.Less(t, pauseIdx, decideIdx, "pause must complete before the decision request")
	assert.Less(t, decideIdx, resumeIdx, "resume must follow the verdict")
	assert.Equal(t, 1, f.log.count("pause:"), "pause is attempted exactly once")
	assert.Equal(t, 1, f.log.count("decide:"), "at most one decision request per download")
}

func TestCoordinator_PauseFailureAbortsPipeline(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	f.commander.pauseErr = assert.AnError

	f.coordinator.OnCreated(context.Background(), createdEvent("d-1", mib))
	f.coordinator.Wait()

	assert.Zero(t, f.log.count("decide:"), "no decision request after a failed pause")
	assert.Zero(t, f.log.count("resume:"))
	assert.Zero(t, f.log.count("showAlert:"))

	rec, ok := f.store.Get("d-1")
	require.True(t, ok, "the record still tracks the uncontrolled download")
	assert.Equal(t, download.StateInProgress, rec.State)
}

func TestCoordinator_DuplicateVerdict(t *testing.T) {
	f := newFixture(decision.VerdictDuplicate)
	f.prober.hash = "feedface"
	ctx := context.Background()

	f.coordinator.OnFilenameResolving(ctx, download.FilenameEvent{
		ID:                "d-1",
		SuggestedFilename: "movie.mkv",
		URL:               "https://example.com/movie.mkv",
	})
	f.coordinator.OnCreated(ctx, createdEvent("d-1", 60*mib))
	f.coordinator.Wait()

	assert.Zero(t, f.log.count("resume:"), "a duplicate must never be resumed")
	require.Equal(t, 1, f.log.count("showAlert:"))
	assert.Equal(t, DuplicateMessage, f.dispatcher.lastMessage)
	assert.Equal(t, "movie.mkv", f.dispatcher.lastFilename, "the alert carries the resolved filename")

	rec, ok := f.store.Get("d-1")
	require.True(t, ok)
	assert.Equal(t, download.StatePaused, rec.State, "the download stays paused")

	require.NotNil(t, f.decider.lastHash)
	assert.Equal(t, "feedface", *f.decider.lastHash)
}

func TestCoordinator_AllowVerdictSmallFile(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	f.prober.hash = "" // below the probe threshold

	f.coordinator.OnCreated(context.Background(), createdEvent("d-1", mib))
	f.coordinator.Wait()

	assert.Nil(t, f.decider.lastHash, "small files carry no content signal")
	assert.Equal(t, 1, f.log.count("resume:"), "an allowed download resumes after the verdict")
	assert.Zero(t, f.log.count("showAlert:"))
}

func TestCoordinator_UnknownVerdictLeavesDownloadPaused(t *testing.T) {
	f := newFixture(decision.VerdictUnknown)
	ctx := context.Background()

	f.coordinator.OnCreated(ctx, createdEvent("d-1", mib))
	f.coordinator.Wait()

	assert.Zero(t, f.log.count("resume:"))
	assert.Zero(t, f.log.count("showAlert:"))

	rec, ok := f.store.Get("d-1")
	require.True(t, ok)
	assert.Equal(t, download.StatePaused, rec.State)

	// A later interrupt still archives the record.
	f.coordinator.OnChanged(ctx, "d-1", download.StateInterrupted)

	_, ok = f.store.Get("d-1")
	assert.False(t, ok)

	history := f.store.Snapshot().DownloadHistory
	require.Len(t, history, 1)
	assert.Equal(t, download.StateInterrupted, history[0].State)
}

func TestCoordinator_DecisionMetadataFallbacks(t *testing.T) {
	f := newFixture(decision.VerdictAllow)

	f.coordinator.OnCreated(context.Background(), download.CreatedEvent{ID: "d-1", URL: "https://example.com/f"})
	f.coordinator.Wait()

	md := f.decider.lastMeta
	assert.Equal(t, "Unknown", md.Filename)
	assert.Equal(t, "Unknown", md.MIME)
	assert.Equal(t, "None", md.Referrer)
	assert.Equal(t, string(download.StateInProgress), md.State)
	assert.Equal(t, "https://example.com/f", md.FinalURL)
	assert.NotEmpty(t, md.StartTime)
}

func TestCoordinator_DuplicateCreationIgnored(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	ctx := context.Background()

	f.coordinator.OnCreated(ctx, createdEvent("d-1", mib))
	f.coordinator.OnCreated(ctx, createdEvent("d-1", mib))
	f.coordinator.Wait()

	assert.Equal(t, 1, f.log.count("pause:"))
	assert.Equal(t, 1, f.log.count("decide:"))
}

func TestCoordinator_TerminalRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	ctx := context.Background()

	f.coordinator.OnCreated(ctx, createdEvent("d-1", mib))
	f.coordinator.Wait()

	f.coordinator.OnChanged(ctx, "d-1", download.StateComplete)
	f.coordinator.OnChanged(ctx, "d-1", download.StateComplete)

	assert.Len(t, f.store.Snapshot().DownloadHistory, 1)
}

func TestCoordinator_UserActions(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	ctx := context.Background()

	f.coordinator.Cancel(ctx, "d-1")
	f.coordinator.ForceResume(ctx, "d-2")
	f.coordinator.DismissAlert(ctx, "d-3")

	assert.Equal(t, 1, f.log.count("cancel:d-1"))
	assert.Equal(t, 1, f.log.count("resume:d-2"))
	assert.Equal(t, 1, f.log.count("closeAlert:d-3"))
}

func TestCoordinator_CommandFailuresAreNotEscalated(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	f.commander.resumeErr = assert.AnError
	f.commander.cancelErr = assert.AnError
	ctx := context.Background()

	// Neither user actions nor a failing post-verdict resume panic or
	// change observable state beyond logging.
	f.coordinator.Cancel(ctx, "d-1")
	f.coordinator.ForceResume(ctx, "d-1")

	f.coordinator.OnCreated(ctx, createdEvent("d-2", mib))
	f.coordinator.Wait()

	rec, ok := f.store.Get("d-2")
	require.True(t, ok)
	assert.Equal(t, download.StatePaused, rec.State)
}

func TestCoordinator_HeadersReachDecider(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	f.prober.headers = map[string]string{"etag": "abc123", "content-length": "1048576"}

	f.coordinator.OnCreated(context.Background(), createdEvent("d-1", mib))
	f.coordinator.Wait()

	assert.Equal(t, f.prober.headers, f.decider.lastHeaders)
}

func TestCoordinator_ProbeFailuresDegradeGracefully(t *testing.T) {
	f := newFixture(decision.VerdictAllow)
	f.prober.headers = map[string]string{}
	f.prober.headersErr = assert.AnError
	f.prober.hashErr = assert.AnError

	f.coordinator.OnCreated(context.Background(), createdEvent("d-1", 60*mib))
	f.coordinator.Wait()

	assert.Equal(t, 1, f.log.count("decide:"), "probe failures must not block the decision")
	assert.Empty(t, f.decider.lastHeaders)
	assert.Nil(t, f.decider.lastHash)
}
