package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRelocator(t *testing.T) {
	staged := filepath.Join(t.TempDir(), "9.mp4")
	require.NoError(t, os.WriteFile(staged, []byte("movie"), 0644))

	dest := filepath.Join(t.TempDir(), "library")
	loc, err := LocalRelocator{Dir: dest}.Relocate(context.Background(), staged, "9.mp4")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "9.mp4"), loc)
	assert.NoFileExists(t, staged)
	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "movie", string(got))
}

func TestLocalRelocator_MissingFile(t *testing.T) {
	_, err := LocalRelocator{Dir: t.TempDir()}.Relocate(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), "gone.mp4")
	assert.ErrorIs(t, err, ErrRelocation)
}

func TestRcloneRelocator_Args(t *testing.T) {
	r := NewRcloneRelocator(RcloneConfig{
		RemoteDest: "onedrive:videos",
		Transfers:  4,
		BufferSize: "64M",
		ChunkSize:  "240M",
	})
	assert.Equal(t, []string{
		"move", "/staging/1.mp4", "onedrive:videos",
		"--stats", "1s",
		"--transfers", "4",
		"--buffer-size", "64M",
		"--onedrive-chunk-size", "240M",
	}, r.Args("/staging/1.mp4"))

	bare := NewRcloneRelocator(RcloneConfig{RemoteDest: "r:"})
	assert.Equal(t, []string{"move", "f", "r:", "--stats", "1s"}, bare.Args("f"))
}

func TestRemotePath(t *testing.T) {
	assert.Equal(t, "r:1.mp4", remotePath("r:", "1.mp4"))
	assert.Equal(t, "r:dir/1.mp4", remotePath("r:dir", "1.mp4"))
	assert.Equal(t, "r:dir/1.mp4", remotePath("r:dir/", "1.mp4"))
}

func TestRcloneRelocator_Run(t *testing.T) {
	bin := writeScript(t, "rclone", `[ "$1" = "move" ] || exit 3
rm "$2"
`)
	staged := filepath.Join(t.TempDir(), "5.mp4")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0644))

	r := NewRcloneRelocator(RcloneConfig{Binary: bin, RemoteDest: "remote:vids"})
	loc, err := r.Relocate(context.Background(), staged, "5.mp4")
	require.NoError(t, err)
	assert.Equal(t, "remote:vids/5.mp4", loc)
	assert.NoFileExists(t, staged)
}

func TestRcloneRelocator_Failure(t *testing.T) {
	bin := writeScript(t, "rclone", `echo "Failed to create file system" >&2
exit 1
`)
	staged := filepath.Join(t.TempDir(), "5.mp4")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0644))

	_, err := NewRcloneRelocator(RcloneConfig{Binary: bin, RemoteDest: "remote:"}).Relocate(context.Background(), staged, "5.mp4")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelocation)
	assert.Contains(t, err.Error(), "Failed to create file system")

	_, err = NewRcloneRelocator(RcloneConfig{Binary: bin}).Relocate(context.Background(), filepath.Join(t.TempDir(), "none"), "none")
	assert.ErrorIs(t, err, ErrRelocation)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "temp_42", WorkDirName("42"))
	assert.Equal(t, "42.mp4", OutputName("42"))
	assert.Equal(t, "a_b_c", SanitizeID("a/b\\c"))
	assert.Equal(t, "x_y", SanitizeID("x y"))
	assert.Equal(t, "_", SanitizeID(".."))
}
