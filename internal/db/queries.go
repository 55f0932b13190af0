package db

import (
	"context"
	"database/sql"

	"github.com/tphummel/lab_boot/internal/models"
)

// DisksByMachine returns the stored disks of every machine, keyed by machine
// id, ordered by path.
func DisksByMachine(ctx context.Context, tx *sql.Tx) (map[int64][]models.Disk, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT machine_id, path, size_bytes
		FROM disks
		ORDER BY machine_id, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	disks := make(map[int64][]models.Disk)
	for rows.Next() {
		var id int64
		var d models.Disk
		if err := rows.Scan(&id, &d.Path, &d.SizeBytes); err != nil {
			return nil, err
		}
		disks[id] = append(disks[id], d)
	}
	return disks, rows.Err()
}

// MachineIDByBootMAC resolves a selector MAC to the machine whose boot
// interface carries it. ok is false when no such machine exists.
func MachineIDByBootMAC(ctx context.Context, tx *sql.Tx, mac string) (id int64, ok bool, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT m.id
		FROM machines m
		JOIN interfaces i ON i.machine_id = m.id
		WHERE i.mac = ? AND i.as_boot = 1`, mac).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// BootSummaryColumns selects the boot interface and machine columns scanned
// by ScanBootSummary. Queries using it must alias machines as m and the boot
// interface as i.
const BootSummaryColumns = `m.id, i.mac, i.ipv4, i.cidrv4, i.gateway, i.as_boot, i.name, i.netmask, i.fqdn, m.created_at`

// ScanBootSummary scans a row selected with BootSummaryColumns.
func ScanBootSummary(rows *sql.Rows) (int64, models.MachineSummary, error) {
	var (
		id        int64
		s         models.MachineSummary
		createdAt string
	)
	if err := rows.Scan(
		&id, &s.MAC, &s.IPv4, &s.CIDRv4, &s.Gateway, &s.AsBoot,
		&s.Name, &s.Netmask, &s.FQDN, &createdAt,
	); err != nil {
		return 0, s, err
	}
	var err error
	s.CreatedAt, err = ParseTime(createdAt)
	if err != nil {
		return 0, s, err
	}
	return id, s, nil
}
