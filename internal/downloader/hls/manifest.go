package hls

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	keyURIPattern = regexp.MustCompile(`URI="([^"]+)"`)
	digitRun      = regexp.MustCompile(`\d+`)
)

// SegmentRef is one segment reference in playlist order
type SegmentRef struct {
	Index int
	Name  string
}

// FileName returns the name the segment is staged under: the last path
// component of the reference without its query string.
func (r SegmentRef) FileName() string {
	name := r.Name
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Manifest is the parsed form of a media playlist
type Manifest struct {
	Segments []SegmentRef
	// KeyURI is empty when no key directive carried a quoted URI.
	KeyURI string
	// BaseURL is the directory every segment name is resolved against.
	BaseURL string
}

// SequenceIndex extracts the first run of decimal digits in name.
// Names without digits map to 0.
func SequenceIndex(name string) int {
	m := digitRun.FindString(name)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// ParseManifest scans an HLS media playlist.
//
// The last #EXT-X-KEY with a quoted URI wins. Absolute segment URLs keep only
// their file name, and the directory of the first one becomes the base URL;
// without any absolute URL the manifest's own directory is used.
func ParseManifest(data []byte, manifestURL string) (*Manifest, error) {
	m := &Manifest{Segments: make([]SegmentRef, 0)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			if match := keyURIPattern.FindStringSubmatch(line); len(match) > 1 {
				m.KeyURI = match[1]
			}
		case strings.HasPrefix(line, "#"):
			continue
		case isAbsolute(line):
			if m.BaseURL == "" {
				m.BaseURL = directoryOf(line)
			}
			name := line[strings.LastIndex(line, "/")+1:]
			m.Segments = append(m.Segments, SegmentRef{Index: SequenceIndex(name), Name: name})
		default:
			ref := SegmentRef{Name: line}
			ref.Index = SequenceIndex(ref.FileName())
			m.Segments = append(m.Segments, ref)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}

	if m.BaseURL == "" {
		m.BaseURL = directoryOf(manifestURL)
	}
	return m, nil
}

// ResolveURL resolves ref against base the way a browser would
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func isAbsolute(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}

// directoryOf keeps everything up to and including the last slash
func directoryOf(u string) string {
	if idx := strings.LastIndex(u, "/"); idx != -1 {
		return u[:idx+1]
	}
	return u + "/"
}
