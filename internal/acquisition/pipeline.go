package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"hls-capture/internal/playlist"
)

// downloadPlan is the result of the detection stage: which stream roles
// exist, where their media playlists live, and whether the source is live.
type downloadPlan struct {
	live       bool
	videoURL   string
	videoFrags []playlist.Fragment
	audioURL   string
	audioFrags []playlist.Fragment
}

func (p *downloadPlan) roles() RolePresence {
	return RolePresence{Video: p.videoFrags != nil || p.videoURL != "", Audio: p.audioFrags != nil}
}

// run drives one acquisition from detection to a terminal stage. It is the
// only writer of the record while the acquisition is alive.
func (s *Service) run(id ID, req DetectedVideo) {
	ctrl := s.ctrl(id)
	err := s.pipeline(s.ctx, id, req, ctrl)
	switch {
	case err == nil:
		// Terminal transition already applied.
	case errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
		if cancelErr := s.setStage(id, StageCancelled); cancelErr != nil {
			// Shutdown interrupted a non-cancellable stage.
			s.fail(id, fmt.Errorf("interrupted: %w", err))
		}
	default:
		s.fail(id, err)
	}
}

func (s *Service) pipeline(ctx context.Context, id ID, req DetectedVideo, ctrl *control) error {
	if req.Format == FormatDirect {
		return s.runDirect(ctx, id, req, ctrl)
	}
	return s.runHLS(ctx, id, req, ctrl)
}

// runDirect acquires a plain file: one fetch, one chunk, then repackage.
func (s *Service) runDirect(ctx context.Context, id ID, req DetectedVideo, ctrl *control) error {
	s.updateRecord(id, func(rec *Record) { rec.Roles = RolePresence{Video: true} })
	if err := s.setStage(id, StageDownloading); err != nil {
		return err
	}

	data, err := s.deps.fetch(ctx, req.URL)
	if err != nil {
		return fmt.Errorf("fetch file: %w", err)
	}
	if ctrl.stop.Load() {
		return errStopped
	}
	if err := s.deps.chunks.Put(id, RoleVideo, 0, data); err != nil {
		return fmt.Errorf("store file: %w", err)
	}
	s.updateRecord(id, func(rec *Record) {
		rec.Progress = Progress{
			BytesDownloaded: int64(len(data)),
			BytesTotal:      int64(len(data)),
			Percentage:      100,
			Message:         "downloaded",
		}
	})
	if s.deps.metrics != nil {
		s.deps.metrics.AddBytesDownloaded(int64(len(data)))
	}

	return s.finalize(ctx, id, ctrl, RolePresence{Video: true}, 1, 0, 0, 1)
}

// runHLS classifies the manifest, resolves the download plan, and runs either
// the bounded-concurrency download or the live recording loop.
func (s *Service) runHLS(ctx context.Context, id ID, req DetectedVideo, ctrl *control) error {
	plan, err := s.detect(ctx, id, req)
	if err != nil {
		return err
	}
	if ctrl.stopRequested() {
		return errStopped
	}
	s.updateRecord(id, func(rec *Record) { rec.Roles = plan.roles() })

	if plan.live {
		return s.record(ctx, id, plan, ctrl)
	}
	return s.download(ctx, id, plan, ctrl)
}

// detect fetches and classifies the manifest and resolves variant/rendition
// playlists down to fragment lists. DRM-flagged or undecryptable manifests
// short-circuit here, before any segment fetch.
func (s *Service) detect(ctx context.Context, id ID, req DetectedVideo) (*downloadPlan, error) {
	raw, err := s.deps.fetch(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	text := string(raw)
	if err := checkProtection(text); err != nil {
		return nil, err
	}

	base, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	// The detector's hls-master/hls-media hint is advisory; the resolver's
	// own classification is authoritative.
	cls := playlist.Classify(text)
	switch {
	case cls.Master:
		return s.resolveMaster(ctx, id, text, base)
	case cls.Media:
		frags, err := playlist.ParseMedia(text, base)
		if err != nil {
			return nil, err
		}
		plan := &downloadPlan{
			live:       playlist.IsLive(text),
			videoURL:   req.URL,
			videoFrags: frags,
		}
		if !plan.live && len(frags) == 0 {
			return nil, ErrNoSegments
		}
		return plan, nil
	default:
		return nil, ErrUnknownManifest
	}
}

// resolveMaster picks the best video variant (highest bandwidth) plus the
// first audio rendition and parses their media playlists.
func (s *Service) resolveMaster(ctx context.Context, id ID, text string, base *url.URL) (*downloadPlan, error) {
	levels, err := playlist.ParseMaster(text, base)
	if err != nil {
		return nil, err
	}

	var video, audio *playlist.Level
	for i := range levels {
		level := &levels[i]
		switch level.Kind {
		case playlist.LevelVideo:
			if video == nil || level.Bandwidth > video.Bandwidth {
				video = level
			}
		case playlist.LevelAudio:
			if audio == nil {
				audio = level
			}
		}
	}
	if video == nil {
		return nil, ErrNoSegments
	}
	s.deps.log.Debug("variant selected",
		slog.String("acquisition_id", string(id)),
		slog.String("uri", video.URI),
		slog.Int("height", video.Height))

	plan := &downloadPlan{videoURL: video.URI}
	videoText, frags, err := s.fetchMedia(ctx, video.URI)
	if err != nil {
		return nil, err
	}
	plan.videoFrags = frags
	plan.live = playlist.IsLive(videoText)

	// Live captures poll a single playlist; a separate audio rendition is
	// only collected for bounded downloads.
	if audio != nil && !plan.live {
		_, audioFrags, err := s.fetchMedia(ctx, audio.URI)
		if err != nil {
			return nil, err
		}
		plan.audioURL = audio.URI
		plan.audioFrags = audioFrags
	}

	if !plan.live && len(plan.videoFrags) == 0 {
		return nil, ErrNoSegments
	}
	return plan, nil
}

// fetchMedia retrieves one media playlist and parses its fragments.
func (s *Service) fetchMedia(ctx context.Context, mediaURL string) (string, []playlist.Fragment, error) {
	raw, err := s.deps.fetch(ctx, mediaURL)
	if err != nil {
		return "", nil, fmt.Errorf("fetch media playlist: %w", err)
	}
	text := string(raw)
	if err := checkProtection(text); err != nil {
		return "", nil, err
	}
	base, err := url.Parse(mediaURL)
	if err != nil {
		return "", nil, err
	}
	frags, err := playlist.ParseMedia(text, base)
	if err != nil {
		return "", nil, err
	}
	return text, frags, nil
}

// download runs the bounded-concurrency orchestrator over every role and
// finalizes, tolerating per-segment failures.
func (s *Service) download(ctx context.Context, id ID, plan *downloadPlan, ctrl *control) error {
	if err := s.setStage(id, StageDownloading); err != nil {
		return err
	}

	total := len(plan.videoFrags) + len(plan.audioFrags)
	tracker := newProgressTracker(total, false)
	onDone := s.segmentCallback(id, tracker)

	var failed int
	failed += s.countSegmentErrors(s.orch.Run(ctx, id, RoleVideo, plan.videoFrags, s.cfg.MaxConcurrent, s.deps.fetch, onDone, ctrl.stopRequested))
	if len(plan.audioFrags) > 0 && !ctrl.stopRequested() {
		failed += s.countSegmentErrors(s.orch.Run(ctx, id, RoleAudio, plan.audioFrags, s.cfg.MaxConcurrent, s.deps.fetch, onDone, ctrl.stopRequested))
	}
	if ctrl.stopRequested() || ctx.Err() != nil {
		return errStopped
	}

	return s.finalize(ctx, id, ctrl, plan.roles(), len(plan.videoFrags), len(plan.audioFrags), failed, total)
}

// record runs the live capture loop until the user stops it (or the stream
// ends), then either discards or finalizes what was collected.
func (s *Service) record(ctx context.Context, id ID, plan *downloadPlan, ctrl *control) error {
	if err := s.setStage(id, StageRecording); err != nil {
		return err
	}

	tracker := newProgressTracker(0, true)
	onDone := s.segmentCallback(id, tracker)

	if err := s.recorder.Record(ctx, id, RoleVideo, plan.videoURL, s.deps.fetch, onDone, ctrl.stopRequested); err != nil {
		return err
	}
	// A plain cancel discards; stop-and-save (and a stream that ended on its
	// own) proceeds to merging with whatever was collected.
	if ctrl.stop.Load() {
		return errStopped
	}

	collected, err := s.deps.chunks.Count(id, RoleVideo)
	if err != nil {
		return err
	}
	if collected == 0 {
		return ErrNoSegments
	}
	return s.finalize(ctx, id, ctrl, RolePresence{Video: true}, collected, 0, 0, collected)
}

// finalize merges the stored chunks, saves the result, optionally uploads it,
// and completes the acquisition. Merging and saving are not cancellable.
func (s *Service) finalize(ctx context.Context, id ID, ctrl *control, roles RolePresence,
	expectedVideo, expectedAudio, failed, total int) error {

	if err := s.setStage(id, StageMerging); err != nil {
		return err
	}

	warning := ""
	if failed > 0 {
		warning = fmt.Sprintf("%d of %d segments missing, file may have gaps", failed, total)
		s.updateRecord(id, func(rec *Record) { rec.Warning = warning })
	}

	var videoBytes, audioBytes []byte
	var err error
	if roles.Video {
		if videoBytes, err = s.assemble(id, RoleVideo, expectedVideo); err != nil {
			return err
		}
	}
	if roles.Audio {
		if audioBytes, err = s.assemble(id, RoleAudio, expectedAudio); err != nil {
			return err
		}
	}

	merged, err := s.deps.muxer.Mux(ctx, videoBytes, audioBytes, s.cfg.Container)
	if err != nil {
		return &MuxingError{Err: err}
	}

	if err := s.setStage(id, StageSaving); err != nil {
		return err
	}
	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return err
	}
	location, err := s.deps.saver.Save(ctx, suggestedFilename(rec, s.cfg.Container), merged)
	if err != nil {
		return &SaveError{Err: err}
	}
	s.updateRecord(id, func(r *Record) { r.ResultLocation = location })

	if s.deps.remote != nil {
		if err := s.setStage(id, StageUploading); err != nil {
			return err
		}
		if ctrl.stop.Load() {
			return errStopped
		}
		remoteID, err := s.deps.remote.Upload(ctx, location)
		if err != nil {
			return &UploadError{Err: err}
		}
		s.updateRecord(id, func(r *Record) { r.RemoteID = remoteID })
		// Uploading stays cancellable: a cancel accepted while the upload was
		// in flight must not land the record in completed.
		if ctrl.stop.Load() {
			return errStopped
		}
	}

	return s.setStage(id, StageCompleted)
}

// assemble concatenates a role's chunks in index order.
func (s *Service) assemble(id ID, role StreamRole, expected int) ([]byte, error) {
	if expected <= 0 {
		return nil, nil
	}
	chunks, err := s.deps.chunks.GetRange(id, role, 0, expected)
	if err != nil {
		return nil, err
	}
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out, nil
}

// countSegmentErrors records each per-segment failure in the metrics and
// returns how many there were.
func (s *Service) countSegmentErrors(errs []*SegmentError) int {
	if s.deps.metrics != nil {
		for range errs {
			s.deps.metrics.IncSegmentErrors()
		}
	}
	return len(errs)
}

// segmentCallback builds the per-segment progress hook. The orchestrator
// invokes it from a single aggregator goroutine, so record updates are never
// interleaved.
func (s *Service) segmentCallback(id ID, tracker *progressTracker) func(SegmentResult) {
	return func(res SegmentResult) {
		progress := tracker.add(res)
		s.updateRecord(id, func(rec *Record) { rec.Progress = progress })
		if s.deps.metrics != nil {
			s.deps.metrics.IncSegmentsFetched()
			s.deps.metrics.AddBytesDownloaded(int64(res.Bytes))
		}
	}
}

// ctrl returns the control block of a running acquisition.
func (s *Service) ctrl(id ID) *control {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.running[id]; ok {
		return c
	}
	c := &control{}
	s.running[id] = c
	return c
}

// setStage applies a stage transition under the service mutex.
func (s *Service) setStage(id ID, to Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return err
	}
	return s.transitionLocked(rec, to)
}

// fail moves the acquisition to the failed stage, preserving the error
// message for display. Errors are never swallowed silently.
func (s *Service) fail(id ID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.deps.repo.Get(id)
	if err != nil {
		s.deps.log.Error("fail: record missing",
			slog.String("acquisition_id", string(id)),
			slog.String("cause", cause.Error()))
		return
	}
	if rec.Stage.Terminal() {
		return
	}
	rec.ErrorMessage = cause.Error()
	if err := s.transitionLocked(rec, StageFailed); err != nil {
		s.deps.log.Error("fail transition",
			slog.String("acquisition_id", string(id)),
			slog.String("error", err.Error()))
	}
	s.deps.log.Warn("acquisition failed",
		slog.String("acquisition_id", string(id)),
		slog.String("error", cause.Error()))
}

// updateRecord mutates the record under the service mutex and notifies
// subscribers.
func (s *Service) updateRecord(id ID, mutate func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.deps.repo.Get(id)
	if err != nil {
		return
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.deps.repo.Update(rec); err != nil {
		s.deps.log.Warn("update record", slog.String("error", err.Error()))
		return
	}
	s.publishLocked(rec)
}

// checkProtection rejects DRM-flagged or undecryptable manifests before any
// segment fetch is attempted.
func checkProtection(text string) error {
	if playlist.DetectsDRM(text) {
		return ErrDRMProtected
	}
	if !playlist.CanDecrypt(text) {
		return ErrUnsupportedKeys
	}
	return nil
}

// suggestedFilename derives the save name from the title or the source URL.
func suggestedFilename(rec *Record, container string) string {
	name := rec.Title
	if name == "" {
		if u, err := url.Parse(rec.SourceURL); err == nil {
			name = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
		}
	}
	name = sanitizeFilename(name)
	if name == "" || name == "." {
		name = string(rec.ID)
	}
	return name + "." + container
}

// sanitizeFilename strips path separators and characters that commonly break
// filesystems.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return strings.TrimSpace(replacer.Replace(name))
}
