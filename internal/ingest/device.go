package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"chatflow-platform/internal/gateway"
)

// Device is an org's connected gateway instance.
// One device may back several flows; each inbound event is attributed to the
// device's org through InstanceID.
type Device struct {
	ID         string                  `json:"id" db:"id"`
	OrgID      string                  `json:"org_id" db:"org_id"`
	Name       string                  `json:"name" db:"name"`
	InstanceID string                  `json:"instance_id" db:"instance_id"`
	Status     gateway.ConnectionState `json:"status" db:"status"`
	CreatedAt  time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at" db:"updated_at"`
}

type DeviceRepository interface {
	FindByInstance(ctx context.Context, instanceID string) (Device, error)
	UpdateStatus(ctx context.Context, id string, status gateway.ConnectionState, at time.Time) error
}

type MemoryDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]Device
}

func NewMemoryDeviceRepo(devices ...Device) *MemoryDeviceRepo {
	r := &MemoryDeviceRepo{devices: map[string]Device{}}
	for _, d := range devices {
		r.devices[d.ID] = d
	}
	return r
}

func (r *MemoryDeviceRepo) FindByInstance(ctx context.Context, instanceID string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.InstanceID == instanceID {
			return d, nil
		}
	}
	return Device{}, ErrUnknownDevice
}

func (r *MemoryDeviceRepo) UpdateStatus(ctx context.Context, id string, status gateway.ConnectionState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrUnknownDevice
	}
	d.Status = status
	d.UpdatedAt = at
	r.devices[id] = d
	return nil
}

type PostgresDeviceRepo struct {
	db *sql.DB
}

func NewPostgresDeviceRepo(db *sql.DB) *PostgresDeviceRepo { return &PostgresDeviceRepo{db: db} }

func (r *PostgresDeviceRepo) FindByInstance(ctx context.Context, instanceID string) (Device, error) {
	const q = `
SELECT id, org_id, COALESCE(name, ''), instance_id, status, created_at, updated_at
FROM devices
WHERE instance_id = $1
`
	var d Device
	err := r.db.QueryRowContext(ctx, q, instanceID).Scan(
		&d.ID, &d.OrgID, &d.Name, &d.InstanceID, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrUnknownDevice
		}
		return Device{}, err
	}
	return d, nil
}

func (r *PostgresDeviceRepo) UpdateStatus(ctx context.Context, id string, status gateway.ConnectionState, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDevice
	}
	return nil
}
