// Package models defines the record types shared between the local store,
// the remote store adapter and the synchronization loops.
package models

import (
	"strings"
	"time"
)

// Change kinds recorded in the change log and sync queue.
const (
	OpInsert = "Insert"
	OpUpdate = "Update"
	OpDelete = "Delete"
)

// Origins of a recorded change.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Customer is a water-treatment customer site.
//
// ModifiedAt advances on every local mutation and Synced is cleared at the
// same moment; the pair drives last-write-wins reconciliation.
type Customer struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone"`
	ServiceType      string    `json:"service_type"`
	InstallationType string    `json:"installation_type"`
	ModifiedAt       time.Time `json:"modified_at"`
	Synced           bool      `json:"synced"`
}

// ServiceEntry is a single technician visit with optional water measurements
// and up to four photo evidence URLs stored remotely.
type ServiceEntry struct {
	ID               int64     `json:"id"`
	CustomerID       int64     `json:"customer_id"`
	VisitDate        time.Time `json:"visit_date"`
	ServiceType      string    `json:"service_type"`
	InstallationType string    `json:"installation_type"`
	HeatSourceType   string    `json:"heat_source_type"`
	PH               *float64  `json:"ph,omitempty"`
	Conductivity     *float64  `json:"conductivity,omitempty"`
	Inhibitor        *float64  `json:"inhibitor,omitempty"`
	Turbidity        *float64  `json:"turbidity,omitempty"`
	PhotoURL1        string    `json:"photo_url1,omitempty"`
	PhotoURL2        string    `json:"photo_url2,omitempty"`
	PhotoURL3        string    `json:"photo_url3,omitempty"`
	PhotoURL4        string    `json:"photo_url4,omitempty"`
	ModifiedAt       time.Time `json:"modified_at"`
	Synced           bool      `json:"synced"`
}

// ChangeLogEntry is one append-only audit record of a single mutation.
// It is not consulted by conflict resolution.
type ChangeLogEntry struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	EntityID  int64     `json:"entity_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Origin    string    `json:"origin"`
}

// SyncQueueEntry is a pending-propagation marker with a gossip-style
// "seen-by" set so peer devices can avoid re-applying their own changes.
type SyncQueueEntry struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	EntityID  int64     `json:"entity_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	SeenBy    string    `json:"seen_by"`
}

// SeenByDevices returns the parsed seen-by set.
func (e *SyncQueueEntry) SeenByDevices() []string {
	if e.SeenBy == "" {
		return nil
	}
	return strings.Split(e.SeenBy, ",")
}

// SeenByContains reports whether device already applied this entry.
func (e *SyncQueueEntry) SeenByContains(device string) bool {
	for _, d := range e.SeenByDevices() {
		if d == device {
			return true
		}
	}
	return false
}

// RemoteFileInfo is the unit exchanged when reconciling remote folders:
// the remote-side identity plus the metadata conflict detection needs.
type RemoteFileInfo struct {
	ID           string
	Name         string
	LastModified time.Time
	Size         int64
	Folder       bool
	Deleted      bool
}
