// Package imagesync reconciles a local folder of photo attachments with a
// remote folder. It is a narrower instance of the sync pattern: direction is
// decided per filename by comparing last-modified times, with no watermark
// file, on an independent timer owned by this syncer.
package imagesync

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acuatec/aquatrack/pkg/config"
	"github.com/acuatec/aquatrack/pkg/logger"
	"github.com/acuatec/aquatrack/pkg/models"
	"github.com/acuatec/aquatrack/pkg/remotestore"
)

// extensions is the single file class this syncer handles.
var extensions = map[string]bool{".jpg": true, ".jpeg": true}

type Syncer struct {
	localDir  string
	remoteDir string
	remote    *remotestore.Store
	interval  time.Duration
	threshold int64
	logger    logger.LoggerInterface

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(remote *remotestore.Store, opt *config.Options, log logger.LoggerInterface) *Syncer {
	return &Syncer{
		localDir:  opt.ImageDir,
		remoteDir: opt.RemoteImageFolder,
		remote:    remote,
		interval:  opt.ImageInterval,
		threshold: opt.MaxDirectUpload,
		logger:    log,
	}
}

// Start launches the timer loop. Calling Start on a running syncer is a
// no-op.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Syncer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Printf("imagesync: cycle failed: %v", err)
			}
		}
	}
}

// SyncOnce reconciles the two folders a single time. Per filename: a newer
// local file is uploaded, a newer or locally absent remote file is
// downloaded, equal timestamps leave both sides untouched.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	remoteFiles, err := s.remote.ListChildren(ctx, s.remoteDir)
	if err != nil {
		return err
	}

	remoteByName := make(map[string]models.RemoteFileInfo, len(remoteFiles))
	for _, rf := range remoteFiles {
		if rf.Folder || rf.Deleted || !extensions[strings.ToLower(filepath.Ext(rf.Name))] {
			continue
		}
		remoteByName[rf.Name] = rf
	}

	localByName, err := s.listLocal()
	if err != nil {
		return err
	}

	for name, modTime := range localByName {
		rf, ok := remoteByName[name]
		if ok && !modTime.After(rf.LastModified) {
			continue
		}
		if err := s.uploadFile(ctx, name); err != nil {
			return err
		}
	}

	for name, rf := range remoteByName {
		modTime, ok := localByName[name]
		if ok && !rf.LastModified.After(modTime) {
			continue
		}
		localPath := filepath.Join(s.localDir, name)
		if err := s.remote.DownloadTo(ctx, path.Join(s.remoteDir, name), localPath); err != nil {
			return err
		}
		// Keep the remote timestamp on the downloaded file so the next
		// cycle sees equal times and leaves both sides untouched.
		if err := os.Chtimes(localPath, rf.LastModified, rf.LastModified); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) listLocal() (map[string]time.Time, error) {
	entries, err := os.ReadDir(s.localDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	files := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !extensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = info.ModTime().UTC()
	}
	return files, nil
}

func (s *Syncer) uploadFile(ctx context.Context, name string) error {
	localPath := filepath.Join(s.localDir, name)
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	remotePath := path.Join(s.remoteDir, name)
	if info.Size() <= s.threshold {
		return s.remote.Upload(ctx, remotePath, file)
	}
	return s.remote.UploadLarge(ctx, remotePath, file, info.Size())
}
