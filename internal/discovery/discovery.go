// Package discovery reconciles the hardware facts machines report on boot
// into the inventory.
//
// Every report is applied in its own transaction and touches only the rows
// of the reporting machine (plus the shared LLDP topology), so reports from
// machines booting in parallel do not interfere. Reports for the same machine
// are serialised by the store and the last commit wins.
package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/models"
)

// Reconciler merges discovery reports into the inventory.
type Reconciler struct {
	db     *db.DB
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Reconciler over d. A nil logger uses slog.Default().
func New(d *db.DB, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{db: d, logger: logger, now: time.Now}
}

// Upsert validates report and merges it into the inventory. An invalid
// report fails with *models.ValidationError before anything is written; a
// store failure rolls the whole report back and returns *db.StorageError.
func (r *Reconciler) Upsert(ctx context.Context, report *models.DiscoveryReport) (models.DiscoveryResult, error) {
	if report == nil {
		return models.DiscoveryResult{}, models.Invalid("empty discovery report")
	}
	if err := report.Validate(); err != nil {
		return models.DiscoveryResult{}, err
	}

	var res models.DiscoveryResult
	err := r.db.InTx(ctx, "upsert discovery", func(tx *sql.Tx) error {
		now := db.FormatTime(r.now())

		machineID, created, err := upsertMachine(ctx, tx, report.BootInfo.UUID, now)
		if err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		if err := upsertInterfaces(ctx, tx, machineID, report, now); err != nil {
			return fmt.Errorf("interfaces: %w", err)
		}
		if err := replaceDisks(ctx, tx, machineID, report.Disks); err != nil {
			return fmt.Errorf("disks: %w", err)
		}
		if err := upsertTopology(ctx, tx, report, now); err != nil {
			return fmt.Errorf("lldp: %w", err)
		}

		total, err := db.CountMachines(ctx, tx)
		if err != nil {
			return fmt.Errorf("count machines: %w", err)
		}
		res = models.DiscoveryResult{TotalMachines: total, New: created}
		return nil
	})
	if err != nil {
		return models.DiscoveryResult{}, err
	}

	r.logger.Info("discovery reconciled",
		"uuid", report.BootInfo.UUID,
		"mac", report.BootInfo.MAC,
		"new", res.New,
		"total_machines", res.TotalMachines,
	)
	return res, nil
}

// upsertMachine returns the id of the machine with uuid, creating it when it
// does not exist yet.
func upsertMachine(ctx context.Context, tx *sql.Tx, uuid, now string) (id int64, created bool, err error) {
	err = tx.QueryRowContext(ctx, `SELECT id FROM machines WHERE uuid = ?`, uuid).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO machines (uuid, created_at, updated_at) VALUES (?, ?, ?)`,
			uuid, now, now)
		if err != nil {
			return 0, false, err
		}
		id, err = res.LastInsertId()
		return id, true, err
	case err != nil:
		return 0, false, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE machines SET updated_at = ? WHERE id = ?`, now, id)
	return id, false, err
}

// upsertInterfaces writes every reported interface that has a MAC and makes
// the boot MAC the only boot interface of the machine. A boot MAC missing
// from the interface list is still recorded.
func upsertInterfaces(ctx context.Context, tx *sql.Tx, machineID int64, report *models.DiscoveryReport, now string) error {
	bootMAC := report.BootInfo.MAC
	bootSeen := false

	for _, iface := range report.Interfaces {
		if iface.MAC == "" {
			continue
		}
		isBoot := iface.MAC == bootMAC
		bootSeen = bootSeen || isBoot
		if err := upsertInterface(ctx, tx, machineID, iface, isBoot, now); err != nil {
			return fmt.Errorf("%s: %w", iface.MAC, err)
		}
	}
	if !bootSeen {
		boot := models.ReportedInterface{MAC: bootMAC}
		if err := upsertInterface(ctx, tx, machineID, boot, true, now); err != nil {
			return fmt.Errorf("%s: %w", bootMAC, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE interfaces SET as_boot = 0, updated_at = ?
		WHERE machine_id = ? AND as_boot = 1 AND mac <> ?`,
		now, machineID, bootMAC)
	return err
}

func upsertInterface(ctx context.Context, tx *sql.Tx, machineID int64, iface models.ReportedInterface, isBoot bool, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO interfaces
			(machine_id, mac, name, netmask, ipv4, cidrv4, gateway, fqdn, as_boot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET
			machine_id = excluded.machine_id,
			name       = excluded.name,
			netmask    = excluded.netmask,
			ipv4       = excluded.ipv4,
			cidrv4     = excluded.cidrv4,
			gateway    = excluded.gateway,
			fqdn       = excluded.fqdn,
			as_boot    = excluded.as_boot,
			updated_at = excluded.updated_at`,
		machineID, iface.MAC, iface.Name, iface.Netmask, iface.IPv4, iface.CIDRv4,
		iface.Gateway, iface.FQDN, isBoot, now, now,
	)
	return err
}

// replaceDisks makes the stored disk set of the machine equal to reported:
// paths no longer reported are deleted, new paths inserted, and paths whose
// size changed updated. A nil or empty report removes every disk.
func replaceDisks(ctx context.Context, tx *sql.Tx, machineID int64, reported []models.ReportedDisk) error {
	stored, err := storedDisks(ctx, tx, machineID)
	if err != nil {
		return err
	}

	want := make(map[string]int64, len(reported))
	for _, d := range reported {
		want[d.Path] = d.SizeBytes
	}

	for path := range stored {
		if _, ok := want[path]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM disks WHERE machine_id = ? AND path = ?`, machineID, path); err != nil {
			return err
		}
	}

	for _, d := range reported {
		size, ok := stored[d.Path]
		switch {
		case !ok:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO disks (machine_id, path, size_bytes) VALUES (?, ?, ?)`,
				machineID, d.Path, d.SizeBytes)
		case size != d.SizeBytes:
			_, err = tx.ExecContext(ctx, `
				UPDATE disks SET size_bytes = ? WHERE machine_id = ? AND path = ?`,
				d.SizeBytes, machineID, d.Path)
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func storedDisks(ctx context.Context, tx *sql.Tx, machineID int64) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path, size_bytes FROM disks WHERE machine_id = ?`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stored := make(map[string]int64)
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			return nil, err
		}
		stored[path] = size
	}
	return stored, rows.Err()
}

// upsertTopology records the chassis and port seen over LLDP for each
// neighbour entry. Reports without LLDP data leave the topology as it was.
func upsertTopology(ctx context.Context, tx *sql.Tx, report *models.DiscoveryReport, now string) error {
	neighbors := report.Neighbors()
	if len(neighbors) == 0 {
		return nil
	}

	byName := make(map[string]string, len(report.Interfaces))
	for _, iface := range report.Interfaces {
		if iface.MAC != "" && iface.Name != "" {
			byName[iface.Name] = iface.MAC
		}
	}

	for _, n := range neighbors {
		ifaceMAC, ok := byName[n.Name]
		if !ok {
			ifaceMAC = report.BootInfo.MAC
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chassis (mac, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (mac) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
			n.Chassis.ID, n.Chassis.Name, now); err != nil {
			return fmt.Errorf("chassis %s: %w", n.Chassis.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chassis_ports (mac, chassis_mac, interface_mac, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (mac) DO UPDATE SET
				chassis_mac   = excluded.chassis_mac,
				interface_mac = excluded.interface_mac,
				updated_at    = excluded.updated_at`,
			n.Port.ID, n.Chassis.ID, ifaceMAC, now); err != nil {
			return fmt.Errorf("port %s: %w", n.Port.ID, err)
		}
	}
	return nil
}
