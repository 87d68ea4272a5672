// Package localstore owns the embedded SQLite database file.
//
// A single Gateway instance holds the only connection handle and serializes
// every operation through one non-reentrant mutex. The same mutex backs the
// Suspend/Resume quiesce protocol used when the database file is replaced
// wholesale during synchronization.
package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/acuatec/aquatrack/pkg/cipher"
	"github.com/acuatec/aquatrack/pkg/logger"
	"github.com/acuatec/aquatrack/pkg/models"
)

// ErrRequired is returned when a mutating call receives a nil record.
var ErrRequired = errors.New("argument required")

// sqliteHeader is the magic at the start of every valid database file.
var sqliteHeader = []byte("SQLite format 3\x00")

const timeLayout = time.RFC3339Nano

// Restorer fetches a copy of the database from the remote store. It is
// consulted by Init when the local file is missing.
type Restorer interface {
	RestoreDatabase(ctx context.Context, localPath string) error
}

// Gateway is the only component allowed to open and close the local store.
type Gateway struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	deviceID string
	restorer Restorer
	cipher   *cipher.Cipher
	logger   logger.LoggerInterface
}

// NewGateway creates a Gateway for the database file at path. The connection
// is opened lazily on first use after Init. restorer and ciph may be nil.
func NewGateway(path, deviceID string, restorer Restorer, ciph *cipher.Cipher, log logger.LoggerInterface) *Gateway {
	return &Gateway{
		path:     path,
		deviceID: deviceID,
		restorer: restorer,
		cipher:   ciph,
		logger:   log,
	}
}

// Init prepares the database file. A missing file is restored from the
// remote store when a restorer is available; a file with a corrupt
// signature is deleted so a fresh schema is created on next access.
// Unsynced local data in a corrupt file is lost, which is logged.
func (g *Gateway) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := os.Stat(g.path); os.IsNotExist(err) {
		if g.restorer != nil {
			if err := g.restoreLocked(ctx); err != nil {
				g.logger.Printf("localstore: restore from remote failed, starting empty: %v", err)
			}
		}
		return g.ensureOpen(ctx)
	}

	if err := g.checkSignature(); err != nil {
		g.logger.Printf("localstore: database file unusable, recreating; unsynced changes are lost: %v", err)
		if err := os.Remove(g.path); err != nil {
			return err
		}
		return nil
	}

	return g.ensureOpen(ctx)
}

func (g *Gateway) checkSignature() error {
	file, err := os.Open(g.path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := make([]byte, len(sqliteHeader))
	switch _, err := io.ReadFull(file, header); err {
	case nil:
	case io.EOF:
		return nil // empty file, schema is created on first open
	case io.ErrUnexpectedEOF:
		return errors.New("invalid database header")
	default:
		return err
	}
	if !bytes.Equal(header, sqliteHeader) {
		return errors.New("invalid database header")
	}
	return nil
}

func (g *Gateway) restoreLocked(ctx context.Context) error {
	if err := g.restorer.RestoreDatabase(ctx, g.path); err != nil {
		return err
	}
	if g.cipher != nil {
		if err := g.cipher.DecryptFile(g.path); err != nil {
			return fmt.Errorf("decrypt restored database: %w", err)
		}
	}
	return nil
}

// ensureOpen opens the connection and creates the schema. Callers must hold
// the mutex.
func (g *Gateway) ensureOpen(ctx context.Context) error {
	if g.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", g.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		db.Close()
		return err
	}

	g.db = db
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS Customers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			address TEXT,
			email TEXT,
			phone TEXT,
			service_type TEXT,
			installation_type TEXT,
			modified_at TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ServiceEntries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id INTEGER NOT NULL,
			visit_date TEXT,
			service_type TEXT,
			installation_type TEXT,
			heat_source TEXT,
			ph REAL,
			conductivity REAL,
			inhibitor REAL,
			turbidity REAL,
			photo_url1 TEXT,
			photo_url2 TEXT,
			photo_url3 TEXT,
			photo_url4 TEXT,
			modified_at TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(customer_id) REFERENCES Customers(id)
		)`,
		`CREATE TABLE IF NOT EXISTS ChangeLog (
			id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL CHECK(operation IN ('Insert', 'Update', 'Delete')),
			entity_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			origin TEXT NOT NULL CHECK(origin IN ('local', 'remote'))
		)`,
		`CREATE TABLE IF NOT EXISTS SyncQueue (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL CHECK(operation IN ('Insert', 'Update', 'Delete')),
			entity_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			seen_by TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Suspend drains the in-flight operation, releases the database file handle
// deterministically and leaves the gateway locked. Every caller must pair it
// with Resume.
func (g *Gateway) Suspend() error {
	g.mu.Lock()
	if g.db != nil {
		err := g.db.Close()
		g.db = nil
		if err != nil {
			g.mu.Unlock()
			return err
		}
	}
	return nil
}

// Resume unlocks the gateway after a Suspend. The connection reopens lazily
// on the next operation.
func (g *Gateway) Resume() {
	g.mu.Unlock()
}

// ReplaceFromContent atomically overwrites the database file with content,
// quiescing the connection around the file write. Replace is idempotent:
// applying the same content twice leaves an identical file.
func (g *Gateway) ReplaceFromContent(content []byte) error {
	if content == nil {
		return ErrRequired
	}

	if err := g.Suspend(); err != nil {
		return err
	}
	defer g.Resume()

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}

// RestoreFromRemote replaces the local file with the remote copy, quiescing
// the connection for the duration of the download.
func (g *Gateway) RestoreFromRemote(ctx context.Context) error {
	if g.restorer == nil {
		return errors.New("no restorer configured")
	}

	if err := g.Suspend(); err != nil {
		return err
	}
	defer g.Resume()

	return g.restoreLocked(ctx)
}

// Snapshot returns the current bytes of the database file. The lock is held
// for the whole read, so the snapshot never observes a partial write.
func (g *Gateway) Snapshot(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return os.ReadFile(g.path)
}

// Close releases the connection handle.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// recordChange appends an audit row to ChangeLog and, for local changes, a
// pending-propagation row to SyncQueue. Audit failures never fail the
// operation that produced them.
func (g *Gateway) recordChange(ctx context.Context, table, op string, entityID int64, payload interface{}, origin string) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Printf("localstore: change log payload for %s %d: %v", table, entityID, err)
		return
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO ChangeLog(id, table_name, operation, entity_id, payload, created_at, origin) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), table, op, entityID, string(data), now, origin)
	if err != nil {
		g.logger.Printf("localstore: change log append for %s %d: %v", table, entityID, err)
	}

	if origin != models.OriginLocal {
		return
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO SyncQueue(id, device_id, table_name, operation, entity_id, payload, created_at, seen_by) VALUES(?, ?, ?, ?, ?, ?, ?, '')`,
		uuid.NewString(), g.deviceID, table, op, entityID, string(data), now)
	if err != nil {
		g.logger.Printf("localstore: sync queue append for %s %d: %v", table, entityID, err)
	}
}

// ListChangeLog returns up to limit audit entries, newest first.
func (g *Gateway) ListChangeLog(ctx context.Context, limit int) ([]models.ChangeLogEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT id, table_name, operation, entity_id, payload, created_at, origin FROM ChangeLog ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ChangeLogEntry
	for rows.Next() {
		var e models.ChangeLogEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Table, &e.Op, &e.EntityID, &e.Payload, &created, &e.Origin); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListSyncQueue returns every pending-propagation entry.
func (g *Gateway) ListSyncQueue(ctx context.Context) ([]models.SyncQueueEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.listSyncQueueLocked(ctx)
}

func (g *Gateway) listSyncQueueLocked(ctx context.Context) ([]models.SyncQueueEntry, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, device_id, table_name, operation, entity_id, payload, created_at, seen_by FROM SyncQueue ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.SyncQueueEntry
	for rows.Next() {
		var e models.SyncQueueEntry
		var created string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Table, &e.Op, &e.EntityID, &e.Payload, &created, &e.SeenBy); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSeenBy appends device to the seen-by set of a queue entry.
func (g *Gateway) MarkSeenBy(ctx context.Context, id, device string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	var seenBy string
	err := g.db.QueryRowContext(ctx, `SELECT seen_by FROM SyncQueue WHERE id = ?`, id).Scan(&seenBy)
	if err != nil {
		return err
	}
	entry := models.SyncQueueEntry{SeenBy: seenBy}
	if entry.SeenByContains(device) {
		return nil
	}
	if seenBy != "" {
		seenBy += ","
	}
	seenBy += device

	_, err = g.db.ExecContext(ctx, `UPDATE SyncQueue SET seen_by = ? WHERE id = ?`, seenBy, id)
	return err
}

// PruneSeen deletes queue entries already applied by every listed device.
func (g *Gateway) PruneSeen(ctx context.Context, devices []string) error {
	if len(devices) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	entries, err := g.listSyncQueueLocked(ctx)
	if err != nil {
		return err
	}

	var prune []string
	for _, e := range entries {
		seen := true
		for _, d := range devices {
			if !e.SeenByContains(d) {
				seen = false
				break
			}
		}
		if seen {
			prune = append(prune, e.ID)
		}
	}
	if len(prune) == 0 {
		return nil
	}

	args := make([]interface{}, len(prune))
	for i, id := range prune {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM SyncQueue WHERE id IN (%s)`,
		strings.Repeat("?,", len(prune)-1)+"?")
	_, err = g.db.ExecContext(ctx, query, args...)
	return err
}
