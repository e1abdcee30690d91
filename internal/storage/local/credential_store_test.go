package local_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/storage/local"
)

func bundle(value string) crawler.SessionBundle {
	return crawler.SessionBundle{
		Cookies:    []crawler.Cookie{{Name: "session", Value: value, Domain: "airtable.com", Path: "/", Secure: true}},
		Storage:    map[string]string{"token": value},
		CapturedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "nested", "session.json")
		_, err := local.New(local.Config{Path: path})
		require.NoError(t, err)
		info, err := os.Stat(filepath.Dir(path))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("path is a directory", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{Path: t.TempDir()})
		assert.Error(t, err)
	})

	t.Run("parent is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{Path: filepath.Join(file, "session.json")})
		assert.Error(t, err)
	})
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	store, err := local.New(local.Config{Path: path})
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, store.Save(context.Background(), bundle("one")))
	require.NoError(t, store.Save(context.Background(), bundle("two")))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, bundle("two"), got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	reopened, err := local.New(local.Config{Path: path})
	require.NoError(t, err)
	got, err = reopened.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "two", got.Storage["token"])
}

func TestConcurrentLoadSeesWholeBundle(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{Path: filepath.Join(t.TempDir(), "session.json")})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), bundle("seed")))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Save(context.Background(), bundle("next")))
		}()
		go func() {
			defer wg.Done()
			got, err := store.Load(context.Background())
			if assert.NoError(t, err) {
				assert.Equal(t, got.Cookies[0].Value, got.Storage["token"])
			}
		}()
	}
	wg.Wait()
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store, err := local.New(local.Config{Path: path})
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, crawler.ErrNotFound)
}

func TestInvalidateRemovesBundle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	store, err := local.New(local.Config{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Invalidate(ctx))
	require.NoError(t, store.Save(ctx, bundle("old")))
	require.NoError(t, store.Invalidate(ctx))

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, store.Save(ctx, bundle("new")))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", got.Storage["token"])
}
