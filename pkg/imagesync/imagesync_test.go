package imagesync_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuatec/aquatrack/pkg/config"
	"github.com/acuatec/aquatrack/pkg/imagesync"
	"github.com/acuatec/aquatrack/pkg/remotestore"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type remoteImage struct {
	content  []byte
	modified time.Time
}

// fakeFolder serves a single remote image folder: a children listing plus
// per-file content endpoints, and records uploads.
type fakeFolder struct {
	mu      sync.Mutex
	images  map[string]remoteImage
	uploads map[string][]byte
}

func newFakeFolder() *fakeFolder {
	return &fakeFolder{
		images:  make(map[string]remoteImage),
		uploads: make(map[string][]byte),
	}
}

func (f *fakeFolder) serve(name string, content []byte, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name] = remoteImage{content: content, modified: modified}
}

func (f *fakeFolder) upload(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.uploads[name]
	return content, ok
}

func (f *fakeFolder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/root:/fotos:/children":
			f.mu.Lock()
			items := make([]map[string]interface{}, 0, len(f.images))
			for name, img := range f.images {
				items = append(items, map[string]interface{}{
					"id":                   name,
					"name":                 name,
					"size":                 len(img.content),
					"lastModifiedDateTime": img.modified.Format(time.RFC3339),
				})
			}
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"value": items})

		case strings.HasPrefix(path, "/root:/fotos/") && strings.HasSuffix(path, ":/content"):
			name := strings.TrimSuffix(strings.TrimPrefix(path, "/root:/fotos/"), ":/content")
			switch r.Method {
			case http.MethodGet:
				f.mu.Lock()
				img, ok := f.images[name]
				f.mu.Unlock()
				if !ok {
					http.NotFound(w, r)
					return
				}
				w.Write(img.content)
			case http.MethodPut:
				body, _ := io.ReadAll(r.Body)
				f.mu.Lock()
				f.uploads[name] = body
				f.mu.Unlock()
				w.WriteHeader(http.StatusCreated)
			}

		default:
			http.NotFound(w, r)
		}
	}
}

func setup(t *testing.T) (*imagesync.Syncer, *fakeFolder, string) {
	t.Helper()

	folder := newFakeFolder()
	server := httptest.NewServer(folder.handler())
	t.Cleanup(server.Close)

	localDir := filepath.Join(t.TempDir(), "fotos")
	require.NoError(t, os.MkdirAll(localDir, 0755))

	opt := &config.Options{
		ImageDir:          localDir,
		RemoteImageFolder: "fotos",
		ImageInterval:     5 * time.Millisecond,
		MaxDirectUpload:   4 * 1024 * 1024,
	}
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	adapter := remotestore.NewStore(server.URL, token, "backup/aquatrack.db", testLogger())

	return imagesync.New(adapter, opt, testLogger()), folder, localDir
}

func TestSyncOnceDownloadsMissingImage(t *testing.T) {
	syncer, folder, localDir := setup(t)

	folder.serve("ph_20240101.jpg", []byte("jpeg bytes"), time.Now().UTC())

	require.NoError(t, syncer.SyncOnce(context.Background()))

	content, err := os.ReadFile(filepath.Join(localDir, "ph_20240101.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(content))
}

func TestDownloadedImageDoesNotEchoBack(t *testing.T) {
	syncer, folder, localDir := setup(t)

	remoteTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	folder.serve("ph_20240101.jpg", []byte("jpeg bytes"), remoteTime)

	require.NoError(t, syncer.SyncOnce(context.Background()))

	// The download keeps the remote timestamp, so the second cycle sees
	// equal times and must leave both sides untouched.
	info, err := os.Stat(filepath.Join(localDir, "ph_20240101.jpg"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().UTC().Equal(remoteTime))

	require.NoError(t, syncer.SyncOnce(context.Background()))

	_, ok := folder.upload("ph_20240101.jpg")
	assert.False(t, ok, "a downloaded image must not be uploaded back")
}

func TestSyncOnceUploadsNewLocalImage(t *testing.T) {
	syncer, folder, localDir := setup(t)

	require.NoError(t, os.WriteFile(filepath.Join(localDir, "caldera.jpg"), []byte("local jpeg"), 0644))

	require.NoError(t, syncer.SyncOnce(context.Background()))

	content, ok := folder.upload("caldera.jpg")
	require.True(t, ok)
	assert.Equal(t, "local jpeg", string(content))
}

func TestSyncOnceUploadsNewerLocalImage(t *testing.T) {
	syncer, folder, localDir := setup(t)

	folder.serve("caldera.jpg", []byte("old remote"), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "caldera.jpg"), []byte("fresh local"), 0644))

	require.NoError(t, syncer.SyncOnce(context.Background()))

	content, ok := folder.upload("caldera.jpg")
	require.True(t, ok)
	assert.Equal(t, "fresh local", string(content))
}

func TestSyncOnceKeepsNewerLocalImage(t *testing.T) {
	syncer, folder, localDir := setup(t)

	folder.serve("caldera.jpg", []byte("old remote"), time.Now().UTC().Add(-time.Hour))
	localPath := filepath.Join(localDir, "caldera.jpg")
	require.NoError(t, os.WriteFile(localPath, []byte("fresh local"), 0644))

	require.NoError(t, syncer.SyncOnce(context.Background()))

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh local", string(content))
}

func TestSyncOnceDownloadsNewerRemoteImage(t *testing.T) {
	syncer, folder, localDir := setup(t)

	localPath := filepath.Join(localDir, "caldera.jpg")
	require.NoError(t, os.WriteFile(localPath, []byte("stale local"), 0644))
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, os.Chtimes(localPath, old, old))

	folder.serve("caldera.jpg", []byte("fresh remote"), time.Now().UTC())

	require.NoError(t, syncer.SyncOnce(context.Background()))

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh remote", string(content))
}

func TestSyncOnceIgnoresOtherExtensions(t *testing.T) {
	syncer, folder, localDir := setup(t)

	require.NoError(t, os.WriteFile(filepath.Join(localDir, "notas.txt"), []byte("text"), 0644))
	folder.serve("informe.pdf", []byte("pdf"), time.Now().UTC())

	require.NoError(t, syncer.SyncOnce(context.Background()))

	_, ok := folder.upload("notas.txt")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(localDir, "informe.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestStartStop(t *testing.T) {
	syncer, folder, localDir := setup(t)

	folder.serve("ph_20240101.jpg", []byte("jpeg bytes"), time.Now().UTC())

	syncer.Start()
	syncer.Start() // second Start is a no-op

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(localDir, "ph_20240101.jpg"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	syncer.Stop()
	syncer.Stop() // second Stop is a no-op
}
