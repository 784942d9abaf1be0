package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justchokingaround/vodpull/internal/config"
	"github.com/justchokingaround/vodpull/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Init(filepath.Join(t.TempDir(), "videos.db"), &config.DatabaseConfig{
		WALMode:        true,
		MaxConnections: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewStore(db)
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, Record{ID: "1", Title: "first", Labels: []string{"a", "b"}}))
	rec, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", rec.Title)
	assert.Equal(t, []string{"a", "b"}, rec.Labels)
	assert.False(t, rec.Done())

	// overwrite by id
	require.NoError(t, s.Put(ctx, Record{ID: "1", Title: "first", Labels: []string{"a"}, FileName: "1.mp4"}))
	rec, _, err = s.Get(ctx, "1")
	require.NoError(t, err)
	assert.True(t, rec.Done())
	assert.Equal(t, "1.mp4", rec.FileName)
	assert.Equal(t, []string{"a"}, rec.Labels)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_PutRejectsEmptyID(t *testing.T) {
	assert.Error(t, newTestStore(t).Put(context.Background(), Record{Title: "x"}))
}

func TestStore_StatsSuccessesRandom(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Random(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, rec := range []Record{
		{ID: "3", Title: "c", FileName: "3.mp4"},
		{ID: "1", Title: "a", FileName: "1.mp4"},
		{ID: "2", Title: "b"},
	} {
		require.NoError(t, s.Put(ctx, rec))
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Succeeded: 2}, st)
	assert.Equal(t, int64(1), st.Failed())

	done, err := s.Successes(ctx)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, "1", done[0].ID)
	assert.Equal(t, "3", done[1].ID)
	assert.Equal(t, []string{}, done[0].Labels)

	for range 10 {
		rec, ok, err := s.Random(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, rec.Done())
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.Put(ctx, Record{ID: id, Title: id}))
		}()
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.Total)
}

func TestImportLegacyJSON(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, Record{ID: "10", Title: "kept", FileName: "10.mp4"}))

	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	legacy := `{
		"10": {"id": 10, "title": "overwritten?", "labels": []},
		"11": {"id": 11, "title": "eleven", "labels": ["x", {"name": "y"}], "file_name": "11.mp4"},
		"12": {"id": "12", "title": "twelve", "labels": null, "file_name": null}
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	n, err := s.ImportLegacyJSON(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".bak")

	rec, _, err := s.Get(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.Title)

	rec, _, err = s.Get(ctx, "11")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, rec.Labels)
	assert.True(t, rec.Done())

	rec, ok, err := s.Get(ctx, "12")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Done())
}

func TestImportLegacyJSON_Missing(t *testing.T) {
	n, err := newTestStore(t).ImportLegacyJSON(context.Background(), filepath.Join(t.TempDir(), "metadata.json"), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportLegacyJSON_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := newTestStore(t).ImportLegacyJSON(context.Background(), path, nil)
	assert.Error(t, err)
	assert.FileExists(t, path)
}
