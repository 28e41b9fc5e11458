package acquisition_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-capture/internal/acquisition"
	"hls-capture/internal/platform/metrics"
	"hls-capture/internal/store"
)

// fakeMuxer concatenates the role streams with markers so tests can see what
// was merged without shelling out to ffmpeg.
type fakeMuxer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMuxer) Mux(_ context.Context, video, audio []byte, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := append([]byte("muxed:"), video...)
	if audio != nil {
		out = append(out, '+')
		out = append(out, audio...)
	}
	return out, nil
}

type fakeSaver struct {
	mu    sync.Mutex
	name  string
	data  []byte
	err   error
}

func (s *fakeSaver) Save(_ context.Context, suggestedName string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.name = suggestedName
	s.data = data
	return "/saved/" + suggestedName, nil
}

type fakeRemote struct {
	mu       sync.Mutex
	location string
}

func (r *fakeRemote) Upload(_ context.Context, location string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location = location
	return "remote-42", nil
}

// testService wires a Service against in-memory collaborators and a fetch
// function backed by a URL -> payload map.
type testService struct {
	svc     *acquisition.Service
	repo    *store.MemoryRepository
	chunks  *store.BadgerChunkStore
	muxer   *fakeMuxer
	saver   *fakeSaver
	metrics *metrics.Metrics
}

func newTestService(t *testing.T, fetch acquisition.FetchFunc, remote acquisition.RemoteSink) *testService {
	t.Helper()
	ts := &testService{
		repo:    store.NewMemoryRepository(),
		chunks:  testChunks(t),
		muxer:   &fakeMuxer{},
		saver:   &fakeSaver{},
		metrics: metrics.New(),
	}
	ts.svc = acquisition.New(acquisition.Deps{
		Repo:    ts.repo,
		Chunks:  ts.chunks,
		Fetch:   fetch,
		Muxer:   ts.muxer,
		Saver:   ts.saver,
		Remote:  remote,
		Metrics: ts.metrics,
		Log:     discardLogger(),
	}, acquisition.Config{MaxConcurrent: 2, PollInterval: time.Millisecond, Container: "mp4"})
	t.Cleanup(ts.svc.Close)
	return ts
}

// scrape renders the service's metrics endpoint as text.
func (ts *testService) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.metrics.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func mapFetch(responses map[string]string) acquisition.FetchFunc {
	return func(_ context.Context, url string) ([]byte, error) {
		body, ok := responses[url]
		if !ok {
			return nil, fmt.Errorf("no response for %s", url)
		}
		return []byte(body), nil
	}
}

// waitTerminal blocks until the acquisition reaches a terminal stage and
// returns its final record.
func waitTerminal(t *testing.T, svc *acquisition.Service, id acquisition.ID) *acquisition.Record {
	t.Helper()
	events, unsubscribe, err := svc.Subscribe(id)
	require.NoError(t, err)
	defer unsubscribe()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				rec, err := svc.Get(id)
				require.NoError(t, err)
				require.True(t, rec.Stage.Terminal())
				return rec
			}
		case <-deadline:
			rec, _ := svc.Get(id)
			t.Fatalf("acquisition %s never reached a terminal stage (currently %v)", id, rec)
		}
	}
}

const masterManifest = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",DEFAULT=YES,URI="https://cdn.example.com/audio.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,AUDIO="aud"
https://cdn.example.com/low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720,AUDIO="aud"
https://cdn.example.com/high.m3u8
`

func vodManifest(uris ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, u := range uris {
		b.WriteString("#EXTINF:4.0,\n")
		b.WriteString(u + "\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func masterResponses() map[string]string {
	return map[string]string{
		"https://cdn.example.com/master.m3u8": masterManifest,
		"https://cdn.example.com/high.m3u8":   vodManifest("v0.ts", "v1.ts", "v2.ts"),
		"https://cdn.example.com/low.m3u8":    vodManifest("l0.ts", "l1.ts"),
		"https://cdn.example.com/audio.m3u8":  vodManifest("a0.aac", "a1.aac"),
		"https://cdn.example.com/v0.ts":       "V0",
		"https://cdn.example.com/v1.ts":       "V1",
		"https://cdn.example.com/v2.ts":       "V2",
		"https://cdn.example.com/a0.aac":      "A0",
		"https://cdn.example.com/a1.aac":      "A1",
	}
}

func TestServiceMasterPlaylistEndToEnd(t *testing.T) {
	ts := newTestService(t, mapFetch(masterResponses()), nil)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/master.m3u8",
		Format: acquisition.FormatHLSMaster,
		Title:  "Big Event",
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)

	// Highest-bandwidth variant plus the audio rendition.
	assert.True(t, rec.Roles.Video)
	assert.True(t, rec.Roles.Audio)
	assert.Empty(t, rec.Warning)
	assert.Equal(t, "/saved/Big Event.mp4", rec.ResultLocation)
	assert.Equal(t, "muxed:V0V1V2+A0A1", string(ts.saver.data))
	assert.Equal(t, float64(100), rec.Progress.Percentage)
}

func TestServiceMediaPlaylistWithMissingSegments(t *testing.T) {
	responses := masterResponses()
	delete(responses, "https://cdn.example.com/v1.ts")

	ts := newTestService(t, mapFetch(responses), nil)
	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/high.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)
	assert.Equal(t, "1 of 3 segments missing, file may have gaps", rec.Warning)
	assert.Equal(t, "muxed:V0V2", string(ts.saver.data))

	// Every per-segment failure is visible on the metrics endpoint.
	scraped := ts.scrape(t)
	assert.Contains(t, scraped, "capture_segment_errors_total 1")
	assert.Contains(t, scraped, "capture_segments_fetched_total 2")
}

func TestServiceDirectDownload(t *testing.T) {
	ts := newTestService(t, mapFetch(map[string]string{
		"https://cdn.example.com/clip.mp4": "RAWFILE",
	}), nil)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/clip.mp4",
		Format: acquisition.FormatDirect,
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)
	assert.Equal(t, "muxed:RAWFILE", string(ts.saver.data))
	assert.Equal(t, "clip.mp4", ts.saver.name)
}

func TestServiceUploadsWhenRemoteConfigured(t *testing.T) {
	remote := &fakeRemote{}
	ts := newTestService(t, mapFetch(masterResponses()), remote)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/high.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)
	assert.Equal(t, "remote-42", rec.RemoteID)
	assert.Equal(t, rec.ResultLocation, remote.location)
}

func TestServiceRejectsUnknownFormat(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)

	_, err := ts.svc.Start(acquisition.DetectedVideo{URL: "https://e.com/x", Format: acquisition.FormatUnknown})
	assert.ErrorIs(t, err, acquisition.ErrUnknownFormat)

	_, err = ts.svc.Start(acquisition.DetectedVideo{Format: acquisition.FormatDirect})
	assert.ErrorIs(t, err, acquisition.ErrUnknownFormat)
}

func TestServiceRejectsDRM(t *testing.T) {
	drm := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://key\",KEYFORMAT=\"com.apple.streamingkeydelivery\"\n" +
		"#EXTINF:4.0,\ns0.ts\n#EXT-X-ENDLIST\n"
	ts := newTestService(t, mapFetch(map[string]string{
		"https://cdn.example.com/p.m3u8": drm,
	}), nil)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/p.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	assert.Equal(t, acquisition.StageFailed, rec.Stage)
	assert.Contains(t, rec.ErrorMessage, "DRM")
}

func TestServiceRejectsDuplicate(t *testing.T) {
	blocked := make(chan struct{})
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
	ts := newTestService(t, fetch, nil)
	defer close(blocked)

	req := acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/live.m3u8#frag",
		Format: acquisition.FormatHLSMedia,
	}
	id, err := ts.svc.Start(req)
	require.NoError(t, err)

	// Same URL modulo fragment while the first is still in flight.
	req.URL = "https://cdn.example.com/live.m3u8"
	_, err = ts.svc.Start(req)
	assert.ErrorIs(t, err, acquisition.ErrDuplicateAcquisition)

	require.NoError(t, ts.svc.Cancel(id))
}

func TestServiceCancelRejectedWhileMerging(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)

	for _, stage := range []acquisition.Stage{acquisition.StageMerging, acquisition.StageSaving} {
		rec := &acquisition.Record{
			ID:        acquisition.ID("stuck-" + string(stage)),
			SourceURL: "https://e.com/v.m3u8",
			Stage:     stage,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, ts.repo.Create(rec))

		err := ts.svc.Cancel(rec.ID)
		require.ErrorIs(t, err, acquisition.ErrCancellationRejected)
		assert.Equal(t, acquisition.CancellationRejectedMessage, err.Error())
	}
}

func TestServiceCancelTerminal(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)
	rec := &acquisition.Record{
		ID:        "done",
		SourceURL: "https://e.com/v.m3u8",
		Stage:     acquisition.StageCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.repo.Create(rec))

	err := ts.svc.Cancel("done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestServiceCancelRestoredRecord(t *testing.T) {
	// A record in a cancellable stage with no running pipeline, as after a
	// process restart, transitions directly.
	ts := newTestService(t, mapFetch(nil), nil)
	rec := &acquisition.Record{
		ID:        "orphan",
		SourceURL: "https://e.com/v.m3u8",
		Stage:     acquisition.StageDownloading,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.repo.Create(rec))

	require.NoError(t, ts.svc.Cancel("orphan"))
	got, err := ts.svc.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, acquisition.StageCancelled, got.Stage)
}

func TestServiceCancelDuringDownload(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})
	responses := masterResponses()
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		if strings.HasSuffix(url, ".ts") {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte(responses[url]), nil
	}

	ts := newTestService(t, fetch, nil)
	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/high.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, ts.svc.Cancel(id))
	close(release)

	rec := waitTerminal(t, ts.svc, id)
	assert.Equal(t, acquisition.StageCancelled, rec.Stage)
	assert.Zero(t, ts.muxer.calls, "a cancelled download must not be merged")
}

func TestServiceStopAndSaveLiveRecording(t *testing.T) {
	live := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:4.0,\ns0.ts\n#EXTINF:4.0,\ns1.ts\n"
	ts := newTestService(t, mapFetch(map[string]string{
		"https://live.example.com/chunklist.m3u8": live,
		"https://live.example.com/s0.ts":          "L0",
		"https://live.example.com/s1.ts":          "L1",
	}), nil)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://live.example.com/chunklist.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	// Wait for the recorder to collect the first window.
	require.Eventually(t, func() bool {
		rec, err := ts.svc.Get(id)
		return err == nil && rec.Stage == acquisition.StageRecording && rec.Progress.SegmentsCollected >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ts.svc.StopAndSave(id))

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)
	assert.Equal(t, "muxed:L0L1", string(ts.saver.data))
}

func TestServiceStopAndSaveRequiresRecording(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)
	rec := &acquisition.Record{
		ID:        "vod",
		SourceURL: "https://e.com/v.m3u8",
		Stage:     acquisition.StageDownloading,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.repo.Create(rec))

	assert.ErrorIs(t, ts.svc.StopAndSave("vod"), acquisition.ErrNotRecording)
}

func TestServiceRetry(t *testing.T) {
	responses := masterResponses()
	// First pass: the media playlist itself is unreachable.
	broken := func(_ context.Context, url string) ([]byte, error) {
		return nil, fmt.Errorf("origin down")
	}
	var mu sync.Mutex
	active := broken
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		mu.Lock()
		f := active
		mu.Unlock()
		return f(ctx, url)
	}

	ts := newTestService(t, fetch, nil)
	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/high.m3u8",
		Format: acquisition.FormatHLSMedia,
		Title:  "flaky",
	})
	require.NoError(t, err)

	rec := waitTerminal(t, ts.svc, id)
	require.Equal(t, acquisition.StageFailed, rec.Stage)

	// Retrying a non-failed acquisition is refused.
	_, err = ts.svc.Retry("no-such-id")
	assert.ErrorIs(t, err, acquisition.ErrNotFound)

	mu.Lock()
	active = mapFetch(responses)
	mu.Unlock()

	newID, err := ts.svc.Retry(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	// The failed record is gone; the replacement carries the retry count.
	_, err = ts.svc.Get(id)
	assert.ErrorIs(t, err, acquisition.ErrNotFound)

	fresh := waitTerminal(t, ts.svc, newID)
	require.Equal(t, acquisition.StageCompleted, fresh.Stage, "error: %s", fresh.ErrorMessage)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, "flaky", fresh.Title)
	assert.Equal(t, acquisition.FormatHLSMedia, fresh.Format)
}

func TestServiceRetryRequiresFailed(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)
	rec := &acquisition.Record{
		ID:        "won",
		SourceURL: "https://e.com/v.m3u8",
		Stage:     acquisition.StageCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.repo.Create(rec))

	_, err := ts.svc.Retry("won")
	assert.ErrorIs(t, err, acquisition.ErrNotFailed)
}

func TestServiceDeleteTerminalOnly(t *testing.T) {
	ts := newTestService(t, mapFetch(nil), nil)
	for id, stage := range map[acquisition.ID]acquisition.Stage{
		"active": acquisition.StageDownloading,
		"done":   acquisition.StageCompleted,
	} {
		require.NoError(t, ts.repo.Create(&acquisition.Record{
			ID:        id,
			SourceURL: "https://e.com/" + string(id),
			Stage:     stage,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}))
	}

	err := ts.svc.Delete("active")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel it before deleting")

	require.NoError(t, ts.svc.Delete("done"))
	_, err = ts.svc.Get("done")
	assert.ErrorIs(t, err, acquisition.ErrNotFound)
}

func TestServiceSubscribeSeesLifecycle(t *testing.T) {
	ts := newTestService(t, mapFetch(masterResponses()), nil)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/master.m3u8",
		Format: acquisition.FormatHLSMaster,
	})
	require.NoError(t, err)

	events, unsubscribe, err := ts.svc.Subscribe(id)
	require.NoError(t, err)
	defer unsubscribe()

	seen := map[acquisition.Stage]bool{}
	for ev := range events {
		assert.Equal(t, id, ev.AcquisitionID)
		seen[ev.Stage] = true
	}
	// Slow subscribers may miss intermediate stages but never the channel
	// close that marks the end.
	rec, err := ts.svc.Get(id)
	require.NoError(t, err)
	assert.Equal(t, acquisition.StageCompleted, rec.Stage, "error: %s", rec.ErrorMessage)
	assert.NotEmpty(t, seen)
}

// flakyRepo wraps the in-memory repository with injectable failures.
type flakyRepo struct {
	*store.MemoryRepository
	lookupErr error
	listErr   error
}

func (r *flakyRepo) GetBySourceURL(normalized string) (*acquisition.Record, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	return r.MemoryRepository.GetBySourceURL(normalized)
}

func (r *flakyRepo) List() ([]*acquisition.Record, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.MemoryRepository.List()
}

func TestServiceStartPropagatesLookupFailure(t *testing.T) {
	// A storage failure during the duplicate check must reject the request,
	// not silently skip deduplication.
	lookupErr := fmt.Errorf("database is locked")
	repo := &flakyRepo{MemoryRepository: store.NewMemoryRepository(), lookupErr: lookupErr}
	svc := acquisition.New(acquisition.Deps{
		Repo:   repo,
		Chunks: testChunks(t),
		Fetch:  mapFetch(nil),
		Muxer:  &fakeMuxer{},
		Saver:  &fakeSaver{},
		Log:    discardLogger(),
	}, acquisition.Config{})
	t.Cleanup(svc.Close)

	_, err := svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/v.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.ErrorIs(t, err, lookupErr)

	list, err := repo.MemoryRepository.List()
	require.NoError(t, err)
	assert.Empty(t, list, "no record may be created when the duplicate check fails")
}

func TestServiceActiveCountLogsStorageFailure(t *testing.T) {
	var logBuf bytes.Buffer
	repo := &flakyRepo{MemoryRepository: store.NewMemoryRepository(), listErr: fmt.Errorf("disk gone")}
	svc := acquisition.New(acquisition.Deps{
		Repo:   repo,
		Chunks: testChunks(t),
		Fetch:  mapFetch(nil),
		Muxer:  &fakeMuxer{},
		Saver:  &fakeSaver{},
		Log:    slog.New(slog.NewTextHandler(&logBuf, nil)),
	}, acquisition.Config{})
	t.Cleanup(svc.Close)

	assert.Zero(t, svc.ActiveCount())
	assert.Contains(t, logBuf.String(), "active count unavailable")
	assert.Contains(t, logBuf.String(), "disk gone")
}

// gateRemote signals when its upload starts and blocks until released.
type gateRemote struct {
	started chan struct{}
	release chan struct{}
}

func (r *gateRemote) Upload(ctx context.Context, location string) (string, error) {
	close(r.started)
	select {
	case <-r.release:
		return "remote-42", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestServiceCancelDuringUpload(t *testing.T) {
	remote := &gateRemote{started: make(chan struct{}), release: make(chan struct{})}
	ts := newTestService(t, mapFetch(masterResponses()), remote)

	id, err := ts.svc.Start(acquisition.DetectedVideo{
		URL:    "https://cdn.example.com/high.m3u8",
		Format: acquisition.FormatHLSMedia,
	})
	require.NoError(t, err)

	<-remote.started
	require.NoError(t, ts.svc.Cancel(id))
	close(remote.release)

	rec := waitTerminal(t, ts.svc, id)
	assert.Equal(t, acquisition.StageCancelled, rec.Stage,
		"a cancel accepted mid-upload must not complete the acquisition")
}
