// Package playlist parses HLS master and media manifests into the structures
// the acquisition pipeline works with. Tag decoding is delegated to
// github.com/grafov/m3u8; this package layers URI resolution, level identity,
// per-segment key tracking, and DRM detection on top.
package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grafov/m3u8"
)

// LevelKind distinguishes selectable entries of a master playlist.
type LevelKind string

const (
	LevelVideo LevelKind = "video-stream"
	LevelAudio LevelKind = "audio-track"
)

// Level is one selectable quality variant or audio track of a master playlist.
type Level struct {
	Kind      LevelKind
	ID        string
	URI       string
	Bandwidth uint32
	Width     int
	Height    int
	FrameRate float64
	Name      string
}

// FragmentKey carries the AES-128 key reference active for one fragment.
// IV is a lowercase hex string without the 0x prefix, or empty when the
// manifest gave no IV (the media sequence number is used instead).
type FragmentKey struct {
	URI string
	IV  string
}

// Fragment is one entry of a parsed media playlist: a media segment or an
// initialization segment. Indices are contiguous from 0 in document order;
// an initialization segment's index always precedes the segments using it.
type Fragment struct {
	Index    int
	URI      string
	Sequence uint64
	IsInit   bool
	Key      *FragmentKey
}

// Classification reports which manifest families a text belongs to.
// Both false means the text is not a usable HLS manifest.
type Classification struct {
	Master bool
	Media  bool
}

var (
	// ErrNotMaster is returned by ParseMaster for a non-master manifest.
	ErrNotMaster = errors.New("manifest is not a master playlist")

	// ErrNotMedia is returned by ParseMedia for a non-media manifest.
	ErrNotMedia = errors.New("manifest is not a media playlist")
)

// Classify inspects manifest text. A master playlist carries variant-stream
// or rendition-group directives; a media playlist carries segment directives
// and none of the master ones.
func Classify(text string) Classification {
	master := strings.Contains(text, "#EXT-X-STREAM-INF") ||
		strings.Contains(text, "#EXT-X-I-FRAME-STREAM-INF") ||
		strings.Contains(text, "#EXT-X-MEDIA:")
	media := !master &&
		(strings.Contains(text, "#EXTINF") || strings.Contains(text, "#EXT-X-TARGETDURATION"))
	return Classification{Master: master, Media: media}
}

// IsLive reports whether a media playlist is still growing: true unless the
// end-of-list directive is present.
func IsLive(text string) bool {
	return !strings.Contains(text, "#EXT-X-ENDLIST")
}

// ParseMaster resolves every variant and audio rendition of a master playlist
// against base. Video levels get a random ID; audio levels derive theirs from
// group and name so the ID survives re-parses of the same manifest.
func ParseMaster(text string, base *url.URL) ([]Level, error) {
	pl, kind, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return nil, fmt.Errorf("decode master playlist: %w", err)
	}
	if kind != m3u8.MASTER {
		return nil, ErrNotMaster
	}
	master := pl.(*m3u8.MasterPlaylist)

	var levels []Level
	seenAudio := make(map[string]bool)
	for _, variant := range master.Variants {
		if variant == nil || variant.Iframe {
			continue
		}
		uri, err := resolve(base, variant.URI)
		if err != nil {
			return nil, fmt.Errorf("resolve variant uri %q: %w", variant.URI, err)
		}
		width, height := parseResolution(variant.Resolution)
		levels = append(levels, Level{
			Kind:      LevelVideo,
			ID:        uuid.NewString(),
			URI:       uri,
			Bandwidth: variant.Bandwidth,
			Width:     width,
			Height:    height,
			FrameRate: variant.FrameRate,
			Name:      variant.Name,
		})

		for _, alt := range variant.Alternatives {
			if alt == nil || alt.Type != "AUDIO" || alt.URI == "" {
				continue
			}
			id := alt.GroupId + "/" + alt.Name
			if seenAudio[id] {
				continue
			}
			seenAudio[id] = true
			altURI, err := resolve(base, alt.URI)
			if err != nil {
				return nil, fmt.Errorf("resolve rendition uri %q: %w", alt.URI, err)
			}
			levels = append(levels, Level{
				Kind: LevelAudio,
				ID:   id,
				URI:  altURI,
				Name: alt.Name,
			})
		}
	}
	return levels, nil
}

// ParseMedia walks a media playlist in document order and produces the
// fragment list: every media segment, preceded by an initialization-segment
// fragment whenever the active EXT-X-MAP (URI plus byte range) changes.
// A playlist with zero segments yields an empty slice and no error.
func ParseMedia(text string, base *url.URL) ([]Fragment, error) {
	pl, kind, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return nil, fmt.Errorf("decode media playlist: %w", err)
	}
	if kind != m3u8.MEDIA {
		return nil, ErrNotMedia
	}
	media := pl.(*m3u8.MediaPlaylist)

	fragments := make([]Fragment, 0, media.Count())

	// grafov attaches key/map tags to the segment where the tag appeared (or
	// to the playlist for tags preceding the first segment); later segments
	// inherit. Track the active tag state while walking.
	activeKey := media.Key
	activeMap := media.Map
	lastInit := ""

	sequence := media.SeqNo
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			activeKey = seg.Key
		}
		if seg.Map != nil {
			activeMap = seg.Map
		}

		if activeMap != nil && activeMap.URI != "" {
			initURI, err := resolve(base, activeMap.URI)
			if err != nil {
				return nil, fmt.Errorf("resolve init uri %q: %w", activeMap.URI, err)
			}
			initID := fmt.Sprintf("%s@%d:%d", initURI, activeMap.Offset, activeMap.Limit)
			if initID != lastInit {
				lastInit = initID
				fragments = append(fragments, Fragment{
					Index:  len(fragments),
					URI:    initURI,
					IsInit: true,
				})
			}
		}

		uri, err := resolve(base, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("resolve segment uri %q: %w", seg.URI, err)
		}
		frag := Fragment{
			Index:    len(fragments),
			URI:      uri,
			Sequence: sequence,
		}
		// A key directive repeating the same URI still yields a fresh key per
		// segment: decryption never carries cipher state across segments.
		if activeKey != nil && activeKey.URI != "" && !strings.EqualFold(activeKey.Method, "NONE") {
			keyURI, err := resolve(base, activeKey.URI)
			if err != nil {
				return nil, fmt.Errorf("resolve key uri %q: %w", activeKey.URI, err)
			}
			frag.Key = &FragmentKey{URI: keyURI, IV: normalizeIV(activeKey.IV)}
		}
		fragments = append(fragments, frag)
		sequence++
	}
	return fragments, nil
}

// drmKeyMarkers are KEYFORMAT values / key-system hints that identify content
// protected by a DRM system this service cannot decrypt.
var drmKeyMarkers = []string{
	"com.apple.streamingkeydelivery",                // FairPlay
	"com.microsoft.playready",                       // PlayReady
	"urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed", // Widevine
	"com.widevine",
}

// DetectsDRM reports whether the manifest references a DRM key system.
func DetectsDRM(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range drmKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, attrs := range keyDirectives(text) {
		if method, ok := attrs["METHOD"]; ok && strings.HasPrefix(strings.ToUpper(method), "SAMPLE-AES") {
			return true
		}
	}
	return false
}

// CanDecrypt reports whether every key directive in the manifest uses a
// method this service supports (NONE or AES-128 with the identity format).
func CanDecrypt(text string) bool {
	if DetectsDRM(text) {
		return false
	}
	for _, attrs := range keyDirectives(text) {
		method := strings.ToUpper(attrs["METHOD"])
		if method != "" && method != "NONE" && method != "AES-128" {
			return false
		}
		if format, ok := attrs["KEYFORMAT"]; ok && format != "" && format != "identity" {
			return false
		}
	}
	return true
}

// BelongsToMaster reports whether candidate, after the normalization used for
// deduplication, exactly matches one resolved variant URI of the master.
func BelongsToMaster(masterText string, masterBase *url.URL, candidate string) bool {
	levels, err := ParseMaster(masterText, masterBase)
	if err != nil {
		return false
	}
	want := NormalizeURL(candidate)
	for _, level := range levels {
		if NormalizeURL(level.URI) == want {
			return true
		}
	}
	return false
}

// NormalizeURL strips the fragment identifier; this is the normalization used
// for URL deduplication and master-membership checks. Unparsable input is
// returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}

// resolve interprets ref (relative reference, absolute path, or absolute URL)
// against base.
func resolve(base *url.URL, ref string) (string, error) {
	if base == nil {
		return ref, nil
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// keyDirectives returns the attribute maps of all EXT-X-KEY and
// EXT-X-SESSION-KEY lines.
func keyDirectives(text string) []map[string]string {
	var out []map[string]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		var attrText string
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrText = strings.TrimPrefix(line, "#EXT-X-KEY:")
		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"):
			attrText = strings.TrimPrefix(line, "#EXT-X-SESSION-KEY:")
		default:
			continue
		}
		out = append(out, parseAttributes(attrText))
	}
	return out
}

// parseAttributes splits an attribute list ATTR=value,ATTR="value" into a map.
// Commas inside quoted values do not split attributes.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inValue := false
	inQuote := false
	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[strings.ToUpper(k)] = strings.Trim(val.String(), `"`)
		}
		key.Reset()
		val.Reset()
		inValue = false
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			val.WriteRune(r)
		case r == '=' && !inValue && !inQuote:
			inValue = true
		case r == ',' && !inQuote:
			flush()
		case inValue:
			val.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return attrs
}

// normalizeIV lowercases a manifest IV attribute and strips its 0x prefix.
func normalizeIV(iv string) string {
	iv = strings.TrimSpace(strings.ToLower(iv))
	iv = strings.TrimPrefix(iv, "0x")
	return iv
}

// parseResolution splits a WxH resolution attribute; malformed input yields
// zero dimensions.
func parseResolution(s string) (width, height int) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0
	}
	return w, h
}
