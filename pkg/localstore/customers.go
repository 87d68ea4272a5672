package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/acuatec/aquatrack/pkg/models"
)

const customerColumns = `id, name, address, email, phone, service_type, installation_type, modified_at, synced`

// SaveCustomer inserts a new customer. ModifiedAt is stamped and Synced is
// cleared; the assigned id is written back into c.
func (g *Gateway) SaveCustomer(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	c.ModifiedAt = time.Now().UTC()
	c.Synced = false

	res, err := g.db.ExecContext(ctx,
		`INSERT INTO Customers(name, address, email, phone, service_type, installation_type, modified_at, synced) VALUES(?, ?, ?, ?, ?, ?, ?, 0)`,
		c.Name, c.Address, c.Email, c.Phone, c.ServiceType, c.InstallationType, c.ModifiedAt.Format(timeLayout))
	if err != nil {
		return err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	g.recordChange(ctx, "Customers", models.OpInsert, c.ID, c, models.OriginLocal)
	return nil
}

// UpdateCustomer overwrites an existing row. ModifiedAt is stamped and
// Synced cleared. Returns sql.ErrNoRows when the id is unknown.
func (g *Gateway) UpdateCustomer(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	c.ModifiedAt = time.Now().UTC()
	c.Synced = false

	res, err := g.db.ExecContext(ctx,
		`UPDATE Customers SET name = ?, address = ?, email = ?, phone = ?, service_type = ?, installation_type = ?, modified_at = ?, synced = 0 WHERE id = ?`,
		c.Name, c.Address, c.Email, c.Phone, c.ServiceType, c.InstallationType, c.ModifiedAt.Format(timeLayout), c.ID)
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

	g.recordChange(ctx, "Customers", models.OpUpdate, c.ID, c, models.OriginLocal)
	return nil
}

// DeleteCustomer removes the row with the given id.
func (g *Gateway) DeleteCustomer(ctx context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	if _, err := g.db.ExecContext(ctx, `DELETE FROM Customers WHERE id = ?`, id); err != nil {
		return err
	}

	g.recordChange(ctx, "Customers", models.OpDelete, id, map[string]int64{"id": id}, models.OriginLocal)
	return nil
}

// FindCustomer returns the customer with the given id, or sql.ErrNoRows.
func (g *Gateway) FindCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.findCustomerLocked(ctx, id)
}

func (g *Gateway) findCustomerLocked(ctx context.Context, id int64) (*models.Customer, error) {
	row := g.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM Customers WHERE id = ?`, customerColumns), id)
	return scanCustomer(row)
}

// ListCustomers returns every customer ordered by name.
func (g *Gateway) ListCustomers(ctx context.Context) ([]models.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.queryCustomers(ctx,
		fmt.Sprintf(`SELECT %s FROM Customers ORDER BY name`, customerColumns))
}

// ListUnsyncedCustomers returns customers not yet pushed to the remote store.
func (g *Gateway) ListUnsyncedCustomers(ctx context.Context) ([]models.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return g.queryCustomers(ctx,
		fmt.Sprintf(`SELECT %s FROM Customers WHERE synced = 0 ORDER BY id`, customerColumns))
}

// MarkCustomersSynced sets the synced flag for the given ids in bulk.
func (g *Gateway) MarkCustomersSynced(ctx context.Context, ids []int64) error {
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
	query := fmt.Sprintf(`UPDATE Customers SET synced = 1 WHERE id IN (%s)`,
		strings.Repeat("?,", len(ids)-1)+"?")
	_, err := g.db.ExecContext(ctx, query, args...)
	return err
}

// UpsertCustomerByModified applies the last-write-wins merge rule: a missing
// row is inserted, an existing row is replaced only when c carries a strictly
// newer ModifiedAt. The record's own timestamp and synced flag are preserved.
func (g *Gateway) UpsertCustomerByModified(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return ErrRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureOpen(ctx); err != nil {
		return err
	}

	existing, err := g.findCustomerLocked(ctx, c.ID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if existing == nil {
		_, err = g.db.ExecContext(ctx,
			`INSERT INTO Customers(id, name, address, email, phone, service_type, installation_type, modified_at, synced) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Address, c.Email, c.Phone, c.ServiceType, c.InstallationType,
			c.ModifiedAt.Format(timeLayout), boolToInt(c.Synced))
		if err != nil {
			return err
		}
		g.recordChange(ctx, "Customers", models.OpInsert, c.ID, c, models.OriginRemote)
		return nil
	}

	if !c.ModifiedAt.After(existing.ModifiedAt) {
		return nil
	}

	_, err = g.db.ExecContext(ctx,
		`UPDATE Customers SET name = ?, address = ?, email = ?, phone = ?, service_type = ?, installation_type = ?, modified_at = ?, synced = ? WHERE id = ?`,
		c.Name, c.Address, c.Email, c.Phone, c.ServiceType, c.InstallationType,
		c.ModifiedAt.Format(timeLayout), boolToInt(c.Synced), c.ID)
	if err != nil {
		return err
	}
	g.recordChange(ctx, "Customers", models.OpUpdate, c.ID, c, models.OriginRemote)
	return nil
}

func (g *Gateway) queryCustomers(ctx context.Context, query string, args ...interface{}) ([]models.Customer, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var c models.Customer
	var modified string
	var synced int
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.Email, &c.Phone,
		&c.ServiceType, &c.InstallationType, &modified, &synced)
	if err != nil {
		return nil, err
	}
	if c.ModifiedAt, err = time.Parse(timeLayout, modified); err != nil {
		return nil, err
	}
	c.Synced = synced != 0
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
