package hls

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]byte),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	data, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", url, errors.New("HTTP 404"))
	}
	return data, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

const (
	base        = "https://cdn.example.com/play/7/1/"
	playlistURL = base + "newvod.plist.m3u8"
	fallbackKey = base + "newvod.enc"
)

func playlist(names ...string) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, n := range names {
		b.WriteString("#EXTINF:4.0,\n" + n + "\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return []byte(b.String())
}

func testPipeline(f Fetcher) *Pipeline {
	return NewPipeline(f, PipelineConfig{Workers: 3})
}

func TestPipeline_ShortKeyFallsBackToZeroKey(t *testing.T) {
	zero := make([]byte, KeySize)
	f := newFakeFetcher()
	f.responses[playlistURL] = playlist("s1.ts", "s2.ts")
	f.responses[fallbackKey] = []byte("12345")
	f.responses[base+"s1.ts"] = encryptSegment(t, []byte("first segment"), zero)
	f.responses[base+"s2.ts"] = encryptSegment(t, []byte("second segment"), zero)

	dir := t.TempDir()
	res, err := testPipeline(f).Run(context.Background(), playlistURL, fallbackKey, dir)
	require.NoError(t, err)

	assert.False(t, res.KeyValid)
	assert.Zero(t, res.Missing())

	got, err := os.ReadFile(filepath.Join(dir, "s1.ts"))
	require.NoError(t, err)
	assert.Equal(t, "first segment", string(got))
}

func TestPipeline_FailedSegmentLeavesGap(t *testing.T) {
	key := []byte("0123456789abcdef")
	f := newFakeFetcher()
	f.responses[playlistURL] = playlist("seg1.ts", "seg2.ts", "seg3.ts", "seg4.ts")
	f.responses[fallbackKey] = key
	for _, i := range []int{1, 2, 4} {
		f.responses[fmt.Sprintf("%sseg%d.ts", base, i)] = encryptSegment(t, []byte(fmt.Sprintf("payload %d", i)), key)
	}

	var calls atomic.Int32
	var lastDone, lastFailed, lastTotal int
	dir := t.TempDir()
	res, err := testPipeline(f).RunWithProgress(context.Background(), playlistURL, fallbackKey, dir,
		func(done, failed, total int) {
			calls.Add(1)
			lastDone, lastFailed, lastTotal = done, failed, total
		})
	require.NoError(t, err)

	assert.True(t, res.KeyValid)
	assert.Equal(t, 1, res.Missing())
	require.Len(t, res.Segments, 4)
	assert.False(t, res.Segments[2].Present)
	assert.Equal(t, 3, res.Segments[2].Index)

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, lastDone)
	assert.Equal(t, 1, lastFailed)
	assert.Equal(t, 4, lastTotal)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.NoFileExists(t, filepath.Join(dir, "seg3.ts"))
}

func TestPipeline_ManifestKeyResolvedAgainstManifestURL(t *testing.T) {
	key := []byte("fedcba9876543210")
	f := newFakeFetcher()
	f.responses[playlistURL] = []byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"../keys/k.bin\"\nhttps://edge.example.com/x/part1.ts\n")
	f.responses["https://cdn.example.com/play/7/keys/k.bin"] = key
	f.responses["https://edge.example.com/x/part1.ts"] = encryptSegment(t, []byte("edge data"), key)

	dir := t.TempDir()
	res, err := testPipeline(f).Run(context.Background(), playlistURL, fallbackKey, dir)
	require.NoError(t, err)

	assert.True(t, res.KeyValid)
	assert.Zero(t, f.callCount(fallbackKey))
	got, err := os.ReadFile(filepath.Join(dir, "part1.ts"))
	require.NoError(t, err)
	assert.Equal(t, "edge data", string(got))
}

func TestPipeline_KeyFetchFailureIsNotFatal(t *testing.T) {
	f := newFakeFetcher()
	f.responses[playlistURL] = playlist("s1.ts")
	f.responses[base+"s1.ts"] = []byte("plain transport stream bytes")

	dir := t.TempDir()
	res, err := testPipeline(f).Run(context.Background(), playlistURL, fallbackKey, dir)
	require.NoError(t, err)

	assert.False(t, res.KeyValid)
	got, err := os.ReadFile(filepath.Join(dir, "s1.ts"))
	require.NoError(t, err)
	assert.Equal(t, "plain transport stream bytes", string(got))
}

func TestPipeline_EmptySegmentBodyIsAGap(t *testing.T) {
	key := []byte("0123456789abcdef")
	f := newFakeFetcher()
	f.responses[playlistURL] = playlist("s1.ts", "s2.ts", "s3.ts")
	f.responses[fallbackKey] = key
	f.responses[base+"s1.ts"] = []byte{}
	f.responses[base+"s2.ts"] = encryptSegment(t, []byte("middle"), key)
	f.responses[base+"s3.ts"] = nil

	dir := t.TempDir()
	res, err := testPipeline(f).Run(context.Background(), playlistURL, fallbackKey, dir)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Missing())
	require.Len(t, res.Segments, 3)
	assert.False(t, res.Segments[0].Present)
	assert.True(t, res.Segments[1].Present)
	assert.False(t, res.Segments[2].Present)
	assert.NoFileExists(t, filepath.Join(dir, "s1.ts"))
	assert.NoFileExists(t, filepath.Join(dir, "s3.ts"))

	got, err := os.ReadFile(filepath.Join(dir, "s2.ts"))
	require.NoError(t, err)
	assert.Equal(t, "middle", string(got))
}

func TestPipeline_ManifestFailures(t *testing.T) {
	t.Run("manifest fetch fails", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "segments")
		_, err := testPipeline(newFakeFetcher()).Run(context.Background(), playlistURL, fallbackKey, dir)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrManifest)
		assert.NoDirExists(t, dir)
	})

	t.Run("manifest without segments", func(t *testing.T) {
		f := newFakeFetcher()
		f.responses[playlistURL] = []byte("#EXTM3U\n#EXT-X-ENDLIST\n")

		_, err := testPipeline(f).Run(context.Background(), playlistURL, fallbackKey, t.TempDir())
		assert.ErrorIs(t, err, ErrManifest)
		assert.Zero(t, f.callCount(fallbackKey))
	})
}

func TestPipeline_OverHTTP(t *testing.T) {
	key := []byte("0123456789abcdef")
	var seg3Attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/play/9/1/newvod.plist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(playlist("seg1.ts", "seg2.ts", "seg3.ts", "seg4.ts"))
	})
	mux.HandleFunc("/play/9/1/newvod.enc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(key)
	})
	mux.HandleFunc("/play/9/1/seg3.ts", func(w http.ResponseWriter, r *http.Request) {
		seg3Attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	for _, i := range []int{1, 2, 4} {
		body := encryptSegment(t, []byte(fmt.Sprintf("segment %d", i)), key)
		mux.HandleFunc(fmt.Sprintf("/play/9/1/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(body)
		})
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := NewHTTPFetcher(FetcherConfig{
		Timeout:    5 * time.Second,
		RetryDelay: 5 * time.Millisecond,
		UserAgents: []string{"okhttp/3.12.0", "Dalvik/2.1.0"},
	})
	dir := t.TempDir()
	res, err := testPipeline(fetcher).Run(context.Background(),
		server.URL+"/play/9/1/newvod.plist.m3u8", server.URL+"/play/9/1/newvod.enc", dir)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Missing())
	assert.Equal(t, int32(MaxAttempts), seg3Attempts.Load())

	got, err := os.ReadFile(filepath.Join(dir, "seg4.ts"))
	require.NoError(t, err)
	assert.Equal(t, "segment 4", string(got))
}
