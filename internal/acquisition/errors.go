package acquisition

import (
	"errors"
	"fmt"
)

// CancellationRejectedMessage is the fixed explanation returned when a user
// asks to cancel a stage where interruption would discard completed work.
const CancellationRejectedMessage = "cannot cancel: merging/saving already in progress, interrupting now would discard completed work"

var (
	// ErrUnknownManifest means the fetched text is neither a master nor a
	// media playlist. Fatal: the acquisition fails before any segment fetch.
	ErrUnknownManifest = errors.New("manifest is neither a master nor a media playlist")

	// ErrNoSegments means a media playlist parsed cleanly but listed nothing
	// to download.
	ErrNoSegments = errors.New("media playlist contains no segments")

	// ErrDRMProtected means a DRM key system was detected. The acquisition is
	// rejected before any segment fetch; decryption of protected content is
	// out of scope.
	ErrDRMProtected = errors.New("content is DRM-protected")

	// ErrUnsupportedKeys means the manifest uses an encryption method other
	// than NONE or AES-128.
	ErrUnsupportedKeys = errors.New("manifest uses an unsupported encryption method")

	// ErrUnknownFormat means the detector reported a candidate it could not
	// classify; such records are rejected outright.
	ErrUnknownFormat = errors.New("detected video has unknown format")

	// ErrCancellationRejected is returned by Cancel during merging or saving.
	ErrCancellationRejected = errors.New(CancellationRejectedMessage)

	// ErrNotFound is returned when no acquisition exists for the given ID.
	ErrNotFound = errors.New("acquisition not found")

	// ErrDuplicateAcquisition is returned when a non-terminal acquisition for
	// the same normalized URL already exists.
	ErrDuplicateAcquisition = errors.New("acquisition already in progress for this URL")

	// ErrNotRecording is returned by StopAndSave for a non-live acquisition.
	ErrNotRecording = errors.New("acquisition is not recording a live stream")

	// ErrNotFailed is returned by Retry for an acquisition that has not failed.
	ErrNotFailed = errors.New("only failed acquisitions can be retried")
)

// SegmentError records a single fragment's fetch or decrypt failure. It is
// recoverable: the orchestrator counts it and keeps draining the remaining
// fragments rather than aborting the run.
type SegmentError struct {
	Index int
	URI   string
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d (%s): %v", e.Index, e.URI, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// MuxingError wraps a failure of the external muxing service. Fatal.
type MuxingError struct{ Err error }

func (e *MuxingError) Error() string { return "muxing failed: " + e.Err.Error() }
func (e *MuxingError) Unwrap() error { return e.Err }

// SaveError wraps a failure of the file-save sink. Fatal.
type SaveError struct{ Err error }

func (e *SaveError) Error() string { return "save failed: " + e.Err.Error() }
func (e *SaveError) Unwrap() error { return e.Err }

// UploadError wraps a failure of the optional remote-storage sink. Fatal.
type UploadError struct{ Err error }

func (e *UploadError) Error() string { return "upload failed: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }
