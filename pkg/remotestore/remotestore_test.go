package remotestore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuatec/aquatrack/pkg/remotestore"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func staticToken(token string) remotestore.TokenFunc {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

func newStore(serverURL string) *remotestore.Store {
	return remotestore.NewStore(serverURL, staticToken("test-token"), "backup/aquatrack.db", testLogger())
}

func TestUploadSetsBearerToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	s := newStore(server.URL)
	err := s.Upload(context.Background(), "fotos/ph_20240101.jpg", strings.NewReader("jpeg bytes"))
	require.NoError(t, err)

	assert.Equal(t, "/root:/fotos/ph_20240101.jpg:/content", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, []byte("jpeg bytes"), gotBody)
}

func TestUploadTokenFailure(t *testing.T) {
	requested := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
	}))
	defer server.Close()

	s := remotestore.NewStore(server.URL, func(ctx context.Context) (string, error) {
		return "", errors.New("no session")
	}, "backup/aquatrack.db", testLogger())

	err := s.Upload(context.Background(), "a.txt", strings.NewReader("x"))
	assert.Error(t, err)
	assert.False(t, requested, "no request should be sent without a token")
}

func TestUploadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer server.Close()

	err := newStore(server.URL).Upload(context.Background(), "a.txt", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "507")
}

// chunkRecorder captures the Content-Range headers and bodies of a chunked
// upload session.
type chunkRecorder struct {
	mu     sync.Mutex
	ranges []string
	data   []byte
	fail   map[int]int // chunk index -> number of failures to inject
	tries  int
}

func (c *chunkRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":/createUploadSession") {
			fmt.Fprintf(w, `{"uploadUrl":"http://%s/upload-session","expirationDateTime":"2030-01-01T00:00:00Z"}`, r.Host)
			return
		}
		if r.URL.Path != "/upload-session" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		body, _ := io.ReadAll(r.Body)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.tries++
		idx := len(c.ranges)
		if left, ok := c.fail[idx]; ok && left > 0 {
			c.fail[idx]--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		c.ranges = append(c.ranges, r.Header.Get("Content-Range"))
		c.data = append(c.data, body...)
		w.WriteHeader(http.StatusAccepted)
	}
}

func TestUploadLargeChunksPartitionStream(t *testing.T) {
	// A size that is not a multiple of the chunk size exercises the short
	// final fragment.
	const size = remotestore.ChunkSize*3 + 12345
	payload := bytes.Repeat([]byte("abcdefgh"), size/8+1)[:size]

	rec := &chunkRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	s := newStore(server.URL)
	err := s.UploadLarge(context.Background(), "backup/aquatrack.db", bytes.NewReader(payload), size)
	require.NoError(t, err)

	require.Len(t, rec.ranges, 4)
	assert.Equal(t, fmt.Sprintf("bytes 0-%d/%d", remotestore.ChunkSize-1, size), rec.ranges[0])
	assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", remotestore.ChunkSize*3, size-1, size), rec.ranges[3])
	assert.Equal(t, payload, rec.data, "chunks must reassemble the stream with no gaps or overlaps")
}

func TestUploadLargeRetriesFailedChunk(t *testing.T) {
	const size = remotestore.ChunkSize + 100
	payload := make([]byte, size)

	rec := &chunkRecorder{fail: map[int]int{1: 2}} // second chunk fails twice
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	err := newStore(server.URL).UploadLarge(context.Background(), "big.bin", bytes.NewReader(payload), size)
	require.NoError(t, err)
	assert.Len(t, rec.ranges, 2)
	assert.Equal(t, 4, rec.tries, "two clean chunks plus two retried attempts")
}

func TestUploadLargeGivesUpAfterBoundedRetries(t *testing.T) {
	const size = remotestore.ChunkSize
	rec := &chunkRecorder{fail: map[int]int{0: 100}}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	err := newStore(server.URL).UploadLarge(context.Background(), "big.bin", bytes.NewReader(make([]byte, size)), size)
	require.Error(t, err)
	assert.Equal(t, 3, rec.tries)
}

func TestUploadLargeMissingUploadURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expirationDateTime":"2030-01-01T00:00:00Z"}`)
	}))
	defer server.Close()

	err := newStore(server.URL).UploadLarge(context.Background(), "big.bin", bytes.NewReader(make([]byte, 10)), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploadUrl")
}

func TestCreateShareLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/root:/fotos/a.jpg:/createLink", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"type":"view"}`, string(body))
		fmt.Fprint(w, `{"link":{"webUrl":"https://share.example.com/abc"}}`)
	}))
	defer server.Close()

	url, err := newStore(server.URL).CreateShareLink(context.Background(), "fotos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://share.example.com/abc", url)
}

func TestCreateShareLinkMissingLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	_, err := newStore(server.URL).CreateShareLink(context.Background(), "fotos/a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no link")
}

func TestListChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/root/delta", r.URL.Path)
		fmt.Fprint(w, `{"value":[
			{"id":"1","name":"ph_20240101.jpg","size":2048,"lastModifiedDateTime":"2024-01-01T10:00:00Z","file":{"mimeType":"image/jpeg"}},
			{"id":"2","name":"fotos","lastModifiedDateTime":"2024-01-01T09:00:00Z","folder":{"childCount":3}},
			{"id":"3","name":"gone.jpg","deleted":{"state":"deleted"}}
		]}`)
	}))
	defer server.Close()

	changes, err := newStore(server.URL).ListChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Equal(t, "ph_20240101.jpg", changes[0].Name)
	assert.Equal(t, int64(2048), changes[0].Size)
	assert.False(t, changes[0].Folder)
	assert.True(t, changes[1].Folder)
	assert.True(t, changes[2].Deleted)
}

func TestListChangesMissingName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"1","lastModifiedDateTime":"2024-01-01T10:00:00Z"}]}`)
	}))
	defer server.Close()

	_, err := newStore(server.URL).ListChanges(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing name")
}

func TestGetFileMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/root:/fotos/a.jpg", r.URL.Path)
		fmt.Fprint(w, `{"id":"9","name":"a.jpg","size":10,"lastModifiedDateTime":"2024-05-01T00:00:00Z"}`)
	}))
	defer server.Close()

	info, err := newStore(server.URL).GetFileMetadata(context.Background(), "fotos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", info.Name)
	assert.Equal(t, int64(10), info.Size)
}

func TestRestoreDatabase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/root:/backup/aquatrack.db:/content", r.URL.Path)
		fmt.Fprint(w, "database bytes")
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "aquatrack.db")
	err := newStore(server.URL).RestoreDatabase(context.Background(), localPath)
	require.NoError(t, err)

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("database bytes"), content)
}
