// Package remotestore talks to the cloud blob store over HTTP.
//
// The adapter is stateless between calls: every public method asks the
// injected auth capability for a fresh bearer token and installs it on the
// outgoing request. Token caching, if any, is the auth collaborator's
// concern.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/acuatec/aquatrack/pkg/logger"
	"github.com/acuatec/aquatrack/pkg/models"
)

// ErrNetworkUnavailable reports a transport-level failure reaching the
// remote store.
var ErrNetworkUnavailable = errors.New("network unavailable")

const (
	// ChunkSize is the fixed fragment size of a resumable upload session.
	ChunkSize = 320 * 1024

	// chunkAttempts bounds per-chunk retries before the upload is abandoned.
	chunkAttempts = 3

	clientTimeout = 30 * time.Second
)

// TokenFunc obtains a current bearer token for an outgoing request.
type TokenFunc func(ctx context.Context) (string, error)

type Store struct {
	baseURL      string
	token        TokenFunc
	remoteDBPath string
	client       *http.Client
	logger       logger.LoggerInterface
}

// NewStore creates an adapter rooted at baseURL. remoteDBPath is the
// well-known remote path of the database backup used by RestoreDatabase.
func NewStore(baseURL string, token TokenFunc, remoteDBPath string, log logger.LoggerInterface) *Store {
	return &Store{
		baseURL:      baseURL,
		token:        token,
		remoteDBPath: remoteDBPath,
		client:       &http.Client{Timeout: clientTimeout},
		logger:       log,
	}
}

// itemURL builds the drive-item URL for a remote path, e.g.
// {base}/root:/{path}:/content.
func (s *Store) itemURL(path, suffix string) string {
	return fmt.Sprintf("%s/root:/%s%s", s.baseURL, path, suffix)
}

func (s *Store) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	token, err := s.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (s *Store) do(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("server returned status: %s", resp.Status)
}

// driveItem is the wire shape of a remote file record. Unknown fields are
// ignored; a missing name or modification time is a decode error.
type driveItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	File         *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted,omitempty"`
}

func (d *driveItem) toFileInfo() (models.RemoteFileInfo, error) {
	if d.Name == "" {
		return models.RemoteFileInfo{}, errors.New("remote item missing name")
	}
	if d.LastModified.IsZero() && d.Deleted == nil {
		return models.RemoteFileInfo{}, fmt.Errorf("remote item %q missing modification time", d.Name)
	}
	return models.RemoteFileInfo{
		ID:           d.ID,
		Name:         d.Name,
		LastModified: d.LastModified,
		Size:         d.Size,
		Folder:       d.Folder != nil,
		Deleted:      d.Deleted != nil,
	}, nil
}

type driveCollection struct {
	Value []driveItem `json:"value"`
}

type uploadSession struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

type shareLink struct {
	Link struct {
		WebURL string `json:"webUrl"`
	} `json:"link"`
}

// Upload sends the whole stream in a single PUT. Intended for payloads at or
// below the caller's direct-upload threshold.
func (s *Store) Upload(ctx context.Context, path string, r io.Reader) error {
	req, err := s.newRequest(ctx, http.MethodPut, s.itemURL(path, ":/content"), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return s.do(req, nil)
}

// UploadLarge creates a resumable upload session and sends the stream in
// fixed-size chunks, each carrying a Content-Range header. A chunk is retried
// a bounded number of times before the whole upload fails.
func (s *Store) UploadLarge(ctx context.Context, path string, r io.Reader, size int64) error {
	req, err := s.newRequest(ctx, http.MethodPost, s.itemURL(path, ":/createUploadSession"), nil)
	if err != nil {
		return err
	}

	var session uploadSession
	if err := s.do(req, &session); err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}
	if session.UploadURL == "" {
		return errors.New("upload session response missing uploadUrl")
	}

	buf := make([]byte, ChunkSize)
	var offset int64
	for offset < size {
		want := size - offset
		if want > ChunkSize {
			want = ChunkSize
		}
		n, err := io.ReadFull(r, buf[:want])
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("stream ended at byte %d of %d", offset, size)
		}

		if err := s.uploadChunk(ctx, session.UploadURL, buf[:n], offset, size); err != nil {
			return err
		}
		offset += int64(n)
	}
	return nil
}

func (s *Store) uploadChunk(ctx context.Context, uploadURL string, chunk []byte, offset, total int64) error {
	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total)

	var lastErr error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Range", contentRange)
		req.ContentLength = int64(len(chunk))

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		// 202 means the fragment was accepted and the session expects more.
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			return nil
		}
		lastErr = statusError(resp)
		s.logger.Printf("remotestore: chunk %s attempt %d/%d: %v", contentRange, attempt, chunkAttempts, lastErr)
	}
	return fmt.Errorf("upload chunk %s: %w", contentRange, lastErr)
}

// CreateShareLink issues a view permission for path and returns the web URL.
func (s *Store) CreateShareLink(ctx context.Context, path string) (string, error) {
	body := bytes.NewBufferString(`{"type":"view"}`)
	req, err := s.newRequest(ctx, http.MethodPost, s.itemURL(path, ":/createLink"), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var link shareLink
	if err := s.do(req, &link); err != nil {
		return "", err
	}
	if link.Link.WebURL == "" {
		return "", errors.New("share response contained no link")
	}
	return link.Link.WebURL, nil
}

// Download streams the content of a remote file. The caller closes the
// returned reader.
func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.itemURL(path, ":/content"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// DownloadTo streams a remote file onto the local filesystem. The write is
// atomic: content lands in a temporary file that is renamed into place.
func (s *Store) DownloadTo(ctx context.Context, path, localPath string) error {
	body, err := s.Download(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := localPath + ".download"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// RestoreDatabase downloads the well-known remote database path onto the
// local filesystem. It satisfies the local store's Restorer contract.
func (s *Store) RestoreDatabase(ctx context.Context, localPath string) error {
	return s.DownloadTo(ctx, s.remoteDBPath, localPath)
}

// ListChanges queries the delta feed and returns the changed remote files.
func (s *Store) ListChanges(ctx context.Context) ([]models.RemoteFileInfo, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/root/delta", nil)
	if err != nil {
		return nil, err
	}

	var collection driveCollection
	if err := s.do(req, &collection); err != nil {
		return nil, err
	}
	return toFileInfos(collection.Value)
}

// GetFileMetadata returns the metadata of a single remote path.
func (s *Store) GetFileMetadata(ctx context.Context, path string) (*models.RemoteFileInfo, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.itemURL(path, ""), nil)
	if err != nil {
		return nil, err
	}

	var item driveItem
	if err := s.do(req, &item); err != nil {
		return nil, err
	}
	info, err := item.toFileInfo()
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListChildren lists the files directly under a remote folder.
func (s *Store) ListChildren(ctx context.Context, folder string) ([]models.RemoteFileInfo, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.itemURL(folder, ":/children"), nil)
	if err != nil {
		return nil, err
	}

	var collection driveCollection
	if err := s.do(req, &collection); err != nil {
		return nil, err
	}
	return toFileInfos(collection.Value)
}

func toFileInfos(items []driveItem) ([]models.RemoteFileInfo, error) {
	infos := make([]models.RemoteFileInfo, 0, len(items))
	for i := range items {
		info, err := items[i].toFileInfo()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
