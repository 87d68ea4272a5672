package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/acuatec/aquatrack/pkg/models"
)

const serviceColumns = `id, customer_id, visit_date, service_type, installation_type, heat_source, ph, conductivity, inhibitor, turbidity, photo_url1, photo_url2, photo_url3, photo_url4, modified_at, synced`

// SaveServiceEntry inserts a new service visit. ModifiedAt is stamped and
// Synced cleared; the assigned id is written back into e.
func (g *Gateway) SaveServiceEntry(ctx context.Context, e *models.ServiceEntry) error {
	if e == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	e.ModifiedAt = time.Now().UTC()
	e.Synced = false

	res, err := g.db.ExecContext(ctx,
		`INSERT INTO ServiceEntries(customer_id, visit_date, service_type, installation_type, heat_source, ph, conductivity, inhibitor, turbidity, photo_url1, photo_url2, photo_url3, photo_url4, modified_at, synced) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.CustomerID, e.VisitDate.UTC().Format(timeLayout), e.ServiceType, e.InstallationType, e.HeatSourceType,
		e.PH, e.Conductivity, e.Inhibitor, e.Turbidity,
		e.PhotoURL1, e.PhotoURL2, e.PhotoURL3, e.PhotoURL4,
		e.ModifiedAt.Format(timeLayout))
	if err != nil {
		return err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	g.recordChange(ctx, "ServiceEntries", models.OpInsert, e.ID, e, models.OriginLocal)
	return nil
}

// UpdateServiceEntry overwrites an existing row. Returns sql.ErrNoRows when
// the id is unknown.
func (g *Gateway) UpdateServiceEntry(ctx context.Context, e *models.ServiceEntry) error {
	if e == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	e.ModifiedAt = time.Now().UTC()
	e.Synced = false

	res, err := g.db.ExecContext(ctx,
		`UPDATE ServiceEntries SET customer_id = ?, visit_date = ?, service_type = ?, installation_type = ?, heat_source = ?, ph = ?, conductivity = ?, inhibitor = ?, turbidity = ?, photo_url1 = ?, photo_url2 = ?, photo_url3 = ?, photo_url4 = ?, modified_at = ?, synced = 0 WHERE id = ?`,
		e.CustomerID, e.VisitDate.UTC().Format(timeLayout), e.ServiceType, e.InstallationType, e.HeatSourceType,
		e.PH, e.Conductivity, e.Inhibitor, e.Turbidity,
		e.PhotoURL1, e.PhotoURL2, e.PhotoURL3, e.PhotoURL4,
		e.ModifiedAt.Format(timeLayout), e.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	g.recordChange(ctx, "ServiceEntries", models.OpUpdate, e.ID, e, models.OriginLocal)
	return nil
}

// DeleteServiceEntry removes the row with the given id.
func (g *Gateway) DeleteServiceEntry(ctx context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	if _, err := g.db.ExecContext(ctx, `DELETE FROM ServiceEntries WHERE id = ?`, id); err != nil {
		return err
	}

	g.recordChange(ctx, "ServiceEntries", models.OpDelete, id, map[string]int64{"id": id}, models.OriginLocal)
	return nil
}

// FindServiceEntry returns the entry with the given id, or sql.ErrNoRows.
func (g *Gateway) FindServiceEntry(ctx context.Context, id int64) (*models.ServiceEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.findServiceEntryLocked(ctx, id)
}

func (g *Gateway) findServiceEntryLocked(ctx context.Context, id int64) (*models.ServiceEntry, error) {
	row := g.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM ServiceEntries WHERE id = ?`, serviceColumns), id)
	return scanServiceEntry(row)
}

// ListServiceEntries returns every visit for a customer, newest visit first.
func (g *Gateway) ListServiceEntries(ctx context.Context, customerID int64) ([]models.ServiceEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.queryServiceEntries(ctx,
		fmt.Sprintf(`SELECT %s FROM ServiceEntries WHERE customer_id = ? ORDER BY visit_date DESC`, serviceColumns), customerID)
}

// ListAllServiceEntries returns every visit across all customers.
func (g *Gateway) ListAllServiceEntries(ctx context.Context) ([]models.ServiceEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.queryServiceEntries(ctx,
		fmt.Sprintf(`SELECT %s FROM ServiceEntries ORDER BY id`, serviceColumns))
}

// ListUnsyncedServiceEntries returns entries not yet pushed to the remote store.
func (g *Gateway) ListUnsyncedServiceEntries(ctx context.Context) ([]models.ServiceEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.queryServiceEntries(ctx,
		fmt.Sprintf(`SELECT %s FROM ServiceEntries WHERE synced = 0 ORDER BY id`, serviceColumns))
}

// MarkServiceEntriesSynced sets the synced flag for the given ids in bulk.
func (g *Gateway) MarkServiceEntriesSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE ServiceEntries SET synced = 1 WHERE id IN (%s)`,
		strings.Repeat("?,", len(ids)-1)+"?")
	_, err := g.db.ExecContext(ctx, query, args...)
	return err
}

// UpsertServiceEntryByModified applies the last-write-wins merge rule for a
// service visit, replacing the whole record when e is strictly newer.
func (g *Gateway) UpsertServiceEntryByModified(ctx context.Context, e *models.ServiceEntry) error {
	if e == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	existing, err := g.findServiceEntryLocked(ctx, e.ID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if existing == nil {
		_, err = g.db.ExecContext(ctx,
			`INSERT INTO ServiceEntries(id, customer_id, visit_date, service_type, installation_type, heat_source, ph, conductivity, inhibitor, turbidity, photo_url1, photo_url2, photo_url3, photo_url4, modified_at, synced) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CustomerID, e.VisitDate.UTC().Format(timeLayout), e.ServiceType, e.InstallationType, e.HeatSourceType,
			e.PH, e.Conductivity, e.Inhibitor, e.Turbidity,
			e.PhotoURL1, e.PhotoURL2, e.PhotoURL3, e.PhotoURL4,
			e.ModifiedAt.Format(timeLayout), boolToInt(e.Synced))
		if err != nil {
			return err
		}
		g.recordChange(ctx, "ServiceEntries", models.OpInsert, e.ID, e, models.OriginRemote)
		return nil
	}

	if !e.ModifiedAt.After(existing.ModifiedAt) {
		return nil
	}

	_, err = g.db.ExecContext(ctx,
		`UPDATE ServiceEntries SET customer_id = ?, visit_date = ?, service_type = ?, installation_type = ?, heat_source = ?, ph = ?, conductivity = ?, inhibitor = ?, turbidity = ?, photo_url1 = ?, photo_url2 = ?, photo_url3 = ?, photo_url4 = ?, modified_at = ?, synced = ? WHERE id = ?`,
		e.CustomerID, e.VisitDate.UTC().Format(timeLayout), e.ServiceType, e.InstallationType, e.HeatSourceType,
		e.PH, e.Conductivity, e.Inhibitor, e.Turbidity,
		e.PhotoURL1, e.PhotoURL2, e.PhotoURL3, e.PhotoURL4,
		e.ModifiedAt.Format(timeLayout), boolToInt(e.Synced), e.ID)
	if err != nil {
		return err
	}
	g.recordChange(ctx, "ServiceEntries", models.OpUpdate, e.ID, e, models.OriginRemote)
	return nil
}

func (g *Gateway) queryServiceEntries(ctx context.Context, query string, args ...interface{}) ([]models.ServiceEntry, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ServiceEntry
	for rows.Next() {
		e, err := scanServiceEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanServiceEntry(row rowScanner) (*models.ServiceEntry, error) {
	var e models.ServiceEntry
	var visit, modified string
	var synced int
	var ph, cond, inh, turb sql.NullFloat64
	err := row.Scan(&e.ID, &e.CustomerID, &visit, &e.ServiceType, &e.InstallationType, &e.HeatSourceType,
		&ph, &cond, &inh, &turb,
		&e.PhotoURL1, &e.PhotoURL2, &e.PhotoURL3, &e.PhotoURL4,
		&modified, &synced)
	if err != nil {
		return nil, err
	}
	if e.VisitDate, err = time.Parse(timeLayout, visit); err != nil {
		return nil, err
	}
	if e.ModifiedAt, err = time.Parse(timeLayout, modified); err != nil {
		return nil, err
	}
	e.PH = nullFloat(ph)
	e.Conductivity = nullFloat(cond)
	e.Inhibitor = nullFloat(inh)
	e.Turbidity = nullFloat(turb)
	e.Synced = synced != 0
	return &e, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
