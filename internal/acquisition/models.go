package acquisition

import "time"

// ID uniquely identifies one acquisition for its whole lifetime.
type ID string

// StreamRole says whether a set of segments is the video or audio component
// of an acquisition.
type StreamRole string

const (
	RoleVideo StreamRole = "video"
	RoleAudio StreamRole = "audio"
)

// Stage is the lifecycle state of an acquisition.
type Stage string

const (
	StageDetecting   Stage = "detecting"
	StageDownloading Stage = "downloading"
	StageRecording   Stage = "recording" // live capture, no known end
	StageMerging     Stage = "merging"
	StageSaving      Stage = "saving"
	StageUploading   Stage = "uploading"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageCancelled   Stage = "cancelled"
)

// Terminal reports whether the stage is final.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Cancellable reports whether a user cancel request is honoured in this
// stage. Merging and saving are deliberately excluded: the segment bytes are
// already fully fetched there, and interrupting would discard completed work.
func (s Stage) Cancellable() bool {
	switch s {
	case StageDetecting, StageDownloading, StageRecording, StageUploading:
		return true
	}
	return false
}

// stageTransitions lists the legal successors of every non-terminal stage.
// Failed is additionally reachable from any non-terminal stage and Cancelled
// from any cancellable one; both are checked separately.
var stageTransitions = map[Stage][]Stage{
	StageDetecting:   {StageDownloading, StageRecording},
	StageDownloading: {StageMerging},
	StageRecording:   {StageMerging},
	StageMerging:     {StageSaving},
	StageSaving:      {StageUploading, StageCompleted},
	StageUploading:   {StageCompleted},
}

// CanTransition reports whether from → to is a legal stage transition.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StageFailed:
		return true
	case StageCancelled:
		return from.Cancellable()
	}
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RolePresence records which stream roles an acquisition carries.
type RolePresence struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Progress is the user-visible progress snapshot of one acquisition.
// BytesTotal is an estimate and may be zero when unknown (direct files before
// the first response, live recordings always). Percentage is clamped to
// [0, 100]. SegmentsCollected is reported instead of a percentage while
// recording live streams.
type Progress struct {
	BytesDownloaded   int64   `json:"bytes_downloaded"`
	BytesTotal        int64   `json:"bytes_total,omitempty"`
	Percentage        float64 `json:"percentage"`
	RateBytesPerSec   float64 `json:"rate_bytes_per_sec"`
	Message           string  `json:"message,omitempty"`
	SegmentsCollected int     `json:"segments_collected,omitempty"`
}

// Record is the unit of lifecycle tracking: one in-flight or completed
// acquisition. Raw segment bytes never live here; they belong to the chunk
// store.
type Record struct {
	ID             ID           `json:"id"`
	SourceURL      string       `json:"source_url"`
	NormalizedURL  string       `json:"-"`
	PageURL        string       `json:"page_url,omitempty"`
	Title          string       `json:"title,omitempty"`
	Format         SourceFormat `json:"format"`
	Roles          RolePresence `json:"roles"`
	Stage          Stage        `json:"stage"`
	Progress       Progress     `json:"progress"`
	Warning        string       `json:"warning,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	RetryCount     int          `json:"retry_count,omitempty"`
	ResultLocation string       `json:"result_location,omitempty"`
	RemoteID       string       `json:"remote_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SourceFormat is the detector's hint about what a candidate URL points at.
type SourceFormat string

const (
	FormatDirect    SourceFormat = "direct"
	FormatHLSMaster SourceFormat = "hls-master"
	FormatHLSMedia  SourceFormat = "hls-media"
	FormatUnknown   SourceFormat = "unknown"
)

// DetectedVideo is the metadata record emitted by the page-side detector.
// Format is advisory for HLS: the resolver's own classification wins when
// they disagree. Unknown-format records are rejected outright.
type DetectedVideo struct {
	URL        string       `json:"url"`
	PageURL    string       `json:"page_url,omitempty"`
	Format     SourceFormat `json:"format"`
	Title      string       `json:"title,omitempty"`
	Thumbnail  string       `json:"thumbnail,omitempty"`
	Resolution string       `json:"resolution,omitempty"`
	DurationS  float64      `json:"duration_s,omitempty"`
}

// Event is one progress/lifecycle notification for an acquisition.
type Event struct {
	AcquisitionID ID       `json:"acquisition_id"`
	Stage         Stage    `json:"stage"`
	Progress      Progress `json:"progress"`
	Warning       string   `json:"warning,omitempty"`
	Error         string   `json:"error,omitempty"`
}
