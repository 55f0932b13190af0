package db

import (
	"context"
	"database/sql"
)

// Counts is a point-in-time summary of the inventory.
type Counts struct {
	Machines        int
	Interfaces      int
	Disks           int
	Chassis         int
	ChassisPorts    int
	SchedulesByRole map[string]int
	StatesByName    map[string]int
}

// Counts summarises the inventory for metrics collection.
func (d *DB) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := d.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM machines),
			(SELECT COUNT(*) FROM interfaces),
			(SELECT COUNT(*) FROM disks),
			(SELECT COUNT(*) FROM chassis),
			(SELECT COUNT(*) FROM chassis_ports)`,
	).Scan(&c.Machines, &c.Interfaces, &c.Disks, &c.Chassis, &c.ChassisPorts)
	if err != nil {
		return nil, &StorageError{Op: "count inventory", Err: err}
	}

	c.SchedulesByRole, err = d.countBy(ctx, `SELECT role, COUNT(*) FROM schedules GROUP BY role`)
	if err != nil {
		return nil, &StorageError{Op: "count schedules", Err: err}
	}
	c.StatesByName, err = d.countBy(ctx, `SELECT state, COUNT(*) FROM lifecycle_states GROUP BY state`)
	if err != nil {
		return nil, &StorageError{Op: "count lifecycle states", Err: err}
	}
	return c, nil
}

func (d *DB) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// CountMachines returns the number of machines visible to tx.
func CountMachines(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`).Scan(&n)
	return n, err
}
