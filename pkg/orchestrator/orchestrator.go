// Package orchestrator drives the periodic synchronization cycle between the
// local store and the remote blob store.
//
// One cycle pushes local changes, pulls the remote delta feed, resolves
// conflicts by modification timestamp and persists the watermark. A failed
// cycle is logged and the loop waits for the next tick; cancellation is
// checked between cycles only.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/acuatec/aquatrack/pkg/cipher"
	"github.com/acuatec/aquatrack/pkg/config"
	"github.com/acuatec/aquatrack/pkg/localstore"
	"github.com/acuatec/aquatrack/pkg/logger"
	"github.com/acuatec/aquatrack/pkg/models"
	"github.com/acuatec/aquatrack/pkg/remotestore"
	"github.com/acuatec/aquatrack/pkg/syncinfo"
)

type Orchestrator struct {
	store  *localstore.Gateway
	remote *remotestore.Store
	marks  *syncinfo.Manager
	cipher *cipher.Cipher
	opt    *config.Options
	logger logger.LoggerInterface
}

// New wires an orchestrator. ciph may be nil, in which case database backups
// are uploaded unencrypted.
func New(store *localstore.Gateway, remote *remotestore.Store, marks *syncinfo.Manager,
	ciph *cipher.Cipher, opt *config.Options, log logger.LoggerInterface) *Orchestrator {
	return &Orchestrator{
		store:  store,
		remote: remote,
		marks:  marks,
		cipher: ciph,
		opt:    opt,
		logger: log,
	}
}

// Run executes one cycle per tick until ctx is cancelled. An in-flight cycle
// runs to completion before cancellation takes effect.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opt.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.SyncNow(ctx); err != nil {
				o.logger.Printf("orchestrator: sync cycle failed: %v", err)
			}
		}
	}
}

// SyncNow runs a single cycle and propagates its failure to the caller.
// This is also the interactive "sync now" entry point.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if err := o.pushRecords(ctx); err != nil {
		return fmt.Errorf("push records: %w", err)
	}
	if err := o.pushFiles(ctx); err != nil {
		return fmt.Errorf("push files: %w", err)
	}

	changes, err := o.remote.ListChanges(ctx)
	if err != nil {
		return fmt.Errorf("pull changes: %w", err)
	}
	if err := o.resolveAndApply(ctx, changes); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}

	return o.persistWatermark()
}

// pushRecords uploads per-table JSON documents when unsynced rows exist and
// marks the pushed rows synced. The document carries the full table so a
// peer that missed earlier documents still converges.
func (o *Orchestrator) pushRecords(ctx context.Context) error {
	unsyncedCustomers, err := o.store.ListUnsyncedCustomers(ctx)
	if err != nil {
		return err
	}
	if len(unsyncedCustomers) > 0 {
		customers, err := o.store.ListCustomers(ctx)
		if err != nil {
			return err
		}
		if err := o.uploadJSON(ctx, o.recordDocPath("customers"), customers); err != nil {
			return err
		}
		ids := make([]int64, len(unsyncedCustomers))
		for i, c := range unsyncedCustomers {
			ids[i] = c.ID
		}
		if err := o.store.MarkCustomersSynced(ctx, ids); err != nil {
			return err
		}
	}

	unsyncedEntries, err := o.store.ListUnsyncedServiceEntries(ctx)
	if err != nil {
		return err
	}
	if len(unsyncedEntries) > 0 {
		entries, err := o.store.ListAllServiceEntries(ctx)
		if err != nil {
			return err
		}
		if err := o.uploadJSON(ctx, o.recordDocPath("services"), entries); err != nil {
			return err
		}
		ids := make([]int64, len(unsyncedEntries))
		for i, e := range unsyncedEntries {
			ids[i] = e.ID
		}
		if err := o.store.MarkServiceEntriesSynced(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordDocPath(table string) string {
	return path.Join(o.opt.RemoteSyncFolder, fmt.Sprintf("%s-%s.json", table, o.opt.DeviceID))
}

func (o *Orchestrator) uploadJSON(ctx context.Context, remotePath string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.upload(ctx, remotePath, data)
}

// upload picks single-request or chunked upload by the direct-upload
// threshold.
func (o *Orchestrator) upload(ctx context.Context, remotePath string, data []byte) error {
	if int64(len(data)) <= o.opt.MaxDirectUpload {
		return o.remote.Upload(ctx, remotePath, bytes.NewReader(data))
	}
	return o.remote.UploadLarge(ctx, remotePath, bytes.NewReader(data), int64(len(data)))
}

// pushFiles detects local files newer than their watermark and uploads them,
// then does the same for the database file via a quiesced snapshot.
func (o *Orchestrator) pushFiles(ctx context.Context) error {
	entries, err := os.ReadDir(o.opt.DataDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || o.isInternalFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		localPath := filepath.Join(o.opt.DataDir, entry.Name())
		if mark, ok := o.marks.Get(localPath); ok && !info.ModTime().UTC().After(mark) {
			continue
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			return err
		}
		if err := o.upload(ctx, entry.Name(), data); err != nil {
			return err
		}
		o.marks.Set(localPath, info.ModTime())
	}

	return o.pushDatabase(ctx)
}

func (o *Orchestrator) pushDatabase(ctx context.Context) error {
	info, err := os.Stat(o.opt.DatabasePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if mark, ok := o.marks.Get(o.opt.DatabasePath); ok && !info.ModTime().UTC().After(mark) {
		return nil
	}

	snapshot, err := o.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if o.cipher != nil {
		if snapshot, err = o.cipher.Encrypt(snapshot); err != nil {
			return err
		}
	}
	if err := o.upload(ctx, o.opt.RemoteDBPath, snapshot); err != nil {
		return err
	}

	o.marks.Set(o.opt.DatabasePath, info.ModTime())
	return nil
}

// isInternalFile filters files the engine itself maintains out of the
// attachment push path. Image files belong to the image sync loop.
func (o *Orchestrator) isInternalFile(name string) bool {
	switch name {
	case filepath.Base(o.opt.DatabasePath), filepath.Base(o.opt.SyncInfoPath), filepath.Base(o.opt.LogFile):
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".download", ".jpg", ".jpeg":
		return true
	}
	return false
}

// resolveAndApply walks the remote delta feed. A remote change loses only to
// a strictly newer local file; equal timestamps count as remote-appliable.
func (o *Orchestrator) resolveAndApply(ctx context.Context, changes []models.RemoteFileInfo) error {
	for _, change := range changes {
		if change.Folder || change.Deleted {
			continue
		}
		if change.Name == path.Base(o.opt.RemoteDBPath) || o.isInternalFile(change.Name) {
			continue
		}

		if table, fromPeer := o.recordDocTable(change.Name); table != "" {
			if fromPeer {
				if err := o.applyRecordDoc(ctx, table, change.Name); err != nil {
					return err
				}
			}
			continue
		}

		localPath := filepath.Join(o.opt.DataDir, change.Name)
		if info, err := os.Stat(localPath); err == nil && info.ModTime().UTC().After(change.LastModified) {
			continue // local edit raced the remote change and wins
		}
		if err := o.remote.DownloadTo(ctx, change.Name, localPath); err != nil {
			return err
		}
		// Stamp the file with the remote time; otherwise the fresh mtime
		// makes the next cycle push the download back as a local edit.
		if err := os.Chtimes(localPath, change.LastModified, change.LastModified); err != nil {
			return err
		}
		o.marks.Set(localPath, change.LastModified)
	}
	return nil
}

// recordDocTable recognizes a peer device's record document. Our own
// documents are skipped so a change never round-trips onto its origin.
func (o *Orchestrator) recordDocTable(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	for _, table := range []string{"customers", "services"} {
		if strings.HasPrefix(name, table+"-") {
			device := strings.TrimSuffix(strings.TrimPrefix(name, table+"-"), ".json")
			return table, device != o.opt.DeviceID
		}
	}
	return "", false
}

// applyRecordDoc downloads a peer's record document and merges every row
// through the per-record last-write-wins rule.
func (o *Orchestrator) applyRecordDoc(ctx context.Context, table, name string) error {
	body, err := o.remote.Download(ctx, path.Join(o.opt.RemoteSyncFolder, name))
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	switch table {
	case "customers":
		var customers []models.Customer
		if err := json.Unmarshal(data, &customers); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		for i := range customers {
			customers[i].Synced = true
			if err := o.store.UpsertCustomerByModified(ctx, &customers[i]); err != nil {
				return err
			}
		}
	case "services":
		var entries []models.ServiceEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		for i := range entries {
			entries[i].Synced = true
			if err := o.store.UpsertServiceEntryByModified(ctx, &entries[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// persistWatermark evicts entries for files that disappeared locally and
// writes the cycle completion time.
func (o *Orchestrator) persistWatermark() error {
	o.marks.Evict(func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
	o.marks.SetLastSync(syncinfo.Now())
	return o.marks.Save()
}

// RestoreDatabase replaces the local database with the remote backup.
func (o *Orchestrator) RestoreDatabase(ctx context.Context) error {
	return o.store.RestoreFromRemote(ctx)
}
