package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hls-capture/internal/platform/metrics"
	"hls-capture/internal/playlist"
)

// Config tunes the acquisition pipeline.
type Config struct {
	// MaxConcurrent bounds the parallel segment fetches per stream role.
	MaxConcurrent int
	// PollInterval is the live-recording playlist refresh interval.
	PollInterval time.Duration
	// Container is the target container of the muxed output file.
	Container string
	// UserAgent is sent with every manifest/segment fetch.
	UserAgent string
}

// DefaultMaxConcurrent is the segment fetch parallelism used when the
// configuration gives none.
const DefaultMaxConcurrent = 6

// Deps are the collaborators a Service is wired with. Remote and Metrics may
// be nil: without a remote sink the uploading stage is skipped, without
// metrics nothing is recorded.
type Deps struct {
	Repo    Repository
	Chunks  ChunkStore
	Fetch   FetchFunc
	Muxer   Muxer
	Saver   SaveSink
	Remote  RemoteSink
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// control carries the cooperative stop flags of one running acquisition.
// Workers poll these between fragments; in-flight fetches always finish.
type control struct {
	stop     atomic.Bool // user cancel: discard and mark cancelled
	stopSave atomic.Bool // live stop-and-save: finalize what was collected
}

func (c *control) stopRequested() bool {
	return c.stop.Load() || c.stopSave.Load()
}

// Service owns the acquisition lifecycle: it accepts requests, drives each
// acquisition through its stages, and exposes the progress stream. One
// goroutine per acquisition runs the pipeline; stage transitions and record
// mutations are serialized through the service mutex.
type Service struct {
	deps deps
	cfg  Config

	orch     *Orchestrator
	recorder *Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[ID]*control
	subs    map[ID][]chan Event
}

// deps is Deps after defaulting, kept unexported so callers go through New.
type deps struct {
	repo    Repository
	chunks  ChunkStore
	fetch   FetchFunc
	muxer   Muxer
	saver   SaveSink
	remote  RemoteSink
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New wires a Service from its collaborators.
func New(d Deps, cfg Config) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Container == "" {
		cfg.Container = "mp4"
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	orch := NewOrchestrator(d.Chunks, log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps: deps{
			repo: d.Repo, chunks: d.Chunks, fetch: d.Fetch,
			muxer: d.Muxer, saver: d.Saver, remote: d.Remote,
			metrics: d.Metrics, log: log,
		},
		cfg:      cfg,
		orch:     orch,
		recorder: NewRecorder(orch, cfg.PollInterval, log),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[ID]*control),
		subs:     make(map[ID][]chan Event),
	}
}

// Close stops every running acquisition and waits for the pipelines to drain.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Start accepts a detected or manually entered video and begins acquiring it.
// Unknown-format records are rejected outright; a second request for a URL
// whose acquisition is still in flight is rejected as a duplicate.
func (s *Service) Start(req DetectedVideo) (ID, error) {
	if req.URL == "" {
		return "", fmt.Errorf("%w: empty url", ErrUnknownFormat)
	}
	if req.Format == FormatUnknown {
		return "", ErrUnknownFormat
	}
	normalized := playlist.NormalizeURL(req.URL)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.deps.repo.GetBySourceURL(normalized)
	switch {
	case err == nil:
		if !existing.Stage.Terminal() {
			return "", ErrDuplicateAcquisition
		}
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("check for duplicate acquisition: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            ID(uuid.NewString()),
		SourceURL:     req.URL,
		NormalizedURL: normalized,
		PageURL:       req.PageURL,
		Title:         req.Title,
		Format:        req.Format,
		Stage:         StageDetecting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deps.repo.Create(rec); err != nil {
		return "", err
	}
	if s.deps.metrics != nil {
		s.deps.metrics.IncAcquisitionsStarted()
	}

	s.running[rec.ID] = &control{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(rec.ID, req)
	}()

	s.deps.log.Info("acquisition started",
		slog.String("acquisition_id", string(rec.ID)),
		slog.String("url", req.URL),
		slog.String("format", string(req.Format)))
	return rec.ID, nil
}

// Get returns the acquisition record for id.
func (s *Service) Get(id ID) (*Record, error) {
	return s.deps.repo.Get(id)
}

// List returns every acquisition record, newest first.
func (s *Service) List() ([]*Record, error) {
	return s.deps.repo.List()
}

// Cancel requests cooperative cancellation. During merging or saving the
// request is refused with the fixed explanation: the segment bytes are fully
// fetched at that point and interruption would only discard completed work.
func (s *Service) Cancel(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return err
	}
	if rec.Stage.Terminal() {
		return fmt.Errorf("acquisition already %s", rec.Stage)
	}
	if !rec.Stage.Cancellable() {
		return ErrCancellationRejected
	}

	if ctrl, ok := s.running[id]; ok {
		ctrl.stop.Store(true)
		return nil
	}
	// No pipeline is running (e.g. state restored after a restart):
	// transition directly.
	return s.transitionLocked(rec, StageCancelled)
}

// StopAndSave ends a live recording and finalizes whatever has been
// collected so far.
func (s *Service) StopAndSave(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return err
	}
	if rec.Stage != StageRecording {
		return ErrNotRecording
	}
	if ctrl, ok := s.running[id]; ok {
		ctrl.stopSave.Store(true)
		return nil
	}
	return ErrNotRecording
}

// Retry discards a failed acquisition and starts a brand-new one with the
// same source and metadata, carrying the retry count forward.
func (s *Service) Retry(id ID) (ID, error) {
	s.mu.Lock()
	rec, err := s.deps.repo.Get(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if rec.Stage != StageFailed {
		s.mu.Unlock()
		return "", ErrNotFailed
	}
	if err := s.deps.chunks.DeleteAll(id); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := s.deps.repo.Delete(id); err != nil {
		s.mu.Unlock()
		return "", err
	}
	retries := rec.RetryCount + 1
	req := DetectedVideo{URL: rec.SourceURL, PageURL: rec.PageURL, Title: rec.Title, Format: rec.Format}
	s.mu.Unlock()

	newID, err := s.Start(req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fresh, err := s.deps.repo.Get(newID); err == nil {
		fresh.RetryCount = retries
		fresh.UpdatedAt = time.Now().UTC()
		if err := s.deps.repo.Update(fresh); err != nil {
			s.deps.log.Warn("carry retry count", slog.String("error", err.Error()))
		}
	}
	return newID, nil
}

// Delete removes a terminal acquisition's record and all its stored chunks.
// A non-terminal acquisition must be cancelled first.
func (s *Service) Delete(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return err
	}
	if !rec.Stage.Terminal() {
		return fmt.Errorf("acquisition is %s; cancel it before deleting", rec.Stage)
	}
	if err := s.deps.chunks.DeleteAll(id); err != nil {
		return err
	}
	return s.deps.repo.Delete(id)
}

// ActiveCount returns the number of acquisitions in a non-terminal stage.
// Used to refresh the metrics gauge.
func (s *Service) ActiveCount() int {
	records, err := s.deps.repo.List()
	if err != nil {
		s.deps.log.Warn("active count unavailable", slog.String("error", err.Error()))
		return 0
	}
	n := 0
	for _, rec := range records {
		if !rec.Stage.Terminal() {
			n++
		}
	}
	return n
}

// Subscribe returns a channel of lifecycle/progress events for id and an
// unsubscribe function. The channel closes when the acquisition reaches a
// terminal stage. Slow consumers lose intermediate events rather than
// blocking the pipeline.
func (s *Service) Subscribe(id ID) (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, 16)
	if rec.Stage.Terminal() {
		ch <- eventFor(rec)
		close(ch)
		return ch, func() {}, nil
	}

	s.subs[id] = append(s.subs[id], ch)
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.subs[id]
		for i, c := range chans {
			if c == ch {
				s.subs[id] = append(chans[:i], chans[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe, nil
}

// transitionLocked applies a stage transition, persists it, and notifies
// subscribers. Caller holds s.mu.
func (s *Service) transitionLocked(rec *Record, to Stage) error {
	if !CanTransition(rec.Stage, to) {
		return fmt.Errorf("illegal transition %s -> %s", rec.Stage, to)
	}
	rec.Stage = to
	rec.UpdatedAt = time.Now().UTC()
	if err := s.deps.repo.Update(rec); err != nil {
		return err
	}
	s.deps.log.Info("stage transition",
		slog.String("acquisition_id", string(rec.ID)),
		slog.String("stage", string(to)))
	s.publishLocked(rec)
	if to.Terminal() {
		if s.deps.metrics != nil {
			s.deps.metrics.IncAcquisitionFinished(string(to))
		}
		s.closeSubsLocked(rec.ID)
		delete(s.running, rec.ID)
	}
	return nil
}

// publishLocked sends the record's current state to every subscriber without
// blocking. Caller holds s.mu.
func (s *Service) publishLocked(rec *Record) {
	ev := eventFor(rec)
	for _, ch := range s.subs[rec.ID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeSubsLocked closes and forgets every subscription of id. Caller holds
// s.mu.
func (s *Service) closeSubsLocked(id ID) {
	for _, ch := range s.subs[id] {
		close(ch)
	}
	delete(s.subs, id)
}

func eventFor(rec *Record) Event {
	return Event{
		AcquisitionID: rec.ID,
		Stage:         rec.Stage,
		Progress:      rec.Progress,
		Warning:       rec.Warning,
		Error:         rec.ErrorMessage,
	}
}

// errStopped signals inside the pipeline that the user cancelled.
var errStopped = errors.New("acquisition stopped by user")
