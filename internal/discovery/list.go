package discovery

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/models"
)

// ListDiscovery returns a snapshot of every machine with its interfaces,
// disks and LLDP edges, ordered by machine creation.
func (r *Reconciler) ListDiscovery(ctx context.Context) ([]models.DiscoveryRecord, error) {
	var records []models.DiscoveryRecord
	err := r.db.InTx(ctx, "list discovery", func(tx *sql.Tx) error {
		machines, err := listMachines(ctx, tx)
		if err != nil {
			return fmt.Errorf("machines: %w", err)
		}
		ifaces, err := interfacesByMachine(ctx, tx)
		if err != nil {
			return fmt.Errorf("interfaces: %w", err)
		}
		disks, err := db.DisksByMachine(ctx, tx)
		if err != nil {
			return fmt.Errorf("disks: %w", err)
		}
		ports, err := portsByMachine(ctx, tx)
		if err != nil {
			return fmt.Errorf("lldp: %w", err)
		}

		records = make([]models.DiscoveryRecord, 0, len(machines))
		for _, m := range machines {
			rec := models.DiscoveryRecord{
				BootInfo: models.BootRecord{
					UUID:      m.UUID,
					CreatedAt: m.CreatedAt,
					UpdatedAt: m.UpdatedAt,
				},
				Interfaces: ifaces[m.ID],
				Disks:      disks[m.ID],
				LLDP:       ports[m.ID],
			}
			for _, iface := range rec.Interfaces {
				if iface.AsBoot {
					rec.BootInfo.MAC = iface.MAC
				}
			}
			if rec.Interfaces == nil {
				rec.Interfaces = []models.Interface{}
			}
			if rec.Disks == nil {
				rec.Disks = []models.Disk{}
			}
			if rec.LLDP == nil {
				rec.LLDP = []models.ChassisPort{}
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListInterfaces returns every known interface with the UUID of its machine.
func (r *Reconciler) ListInterfaces(ctx context.Context) ([]models.Interface, error) {
	var out []models.Interface
	err := r.db.InTx(ctx, "list interfaces", func(tx *sql.Tx) error {
		byMachine, err := interfacesByMachine(ctx, tx)
		if err != nil {
			return err
		}
		machines, err := listMachines(ctx, tx)
		if err != nil {
			return err
		}
		out = []models.Interface{}
		for _, m := range machines {
			out = append(out, byMachine[m.ID]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func listMachines(ctx context.Context, tx *sql.Tx) ([]models.Machine, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, uuid, created_at, updated_at FROM machines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		var m models.Machine
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.UUID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func interfacesByMachine(ctx context.Context, tx *sql.Tx) (map[int64][]models.Interface, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT i.machine_id, m.uuid, i.mac, i.name, i.netmask, i.ipv4, i.cidrv4, i.gateway, i.fqdn, i.as_boot
		FROM interfaces i
		JOIN machines m ON m.id = i.machine_id
		ORDER BY i.machine_id, i.as_boot DESC, i.mac`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.Interface)
	for rows.Next() {
		var id int64
		var i models.Interface
		if err := rows.Scan(&id, &i.MachineUUID, &i.MAC, &i.Name, &i.Netmask, &i.IPv4,
			&i.CIDRv4, &i.Gateway, &i.FQDN, &i.AsBoot); err != nil {
			return nil, err
		}
		out[id] = append(out[id], i)
	}
	return out, rows.Err()
}

func portsByMachine(ctx context.Context, tx *sql.Tx) (map[int64][]models.ChassisPort, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT i.machine_id, p.mac, p.chassis_mac, c.name, p.interface_mac
		FROM chassis_ports p
		JOIN chassis c ON c.mac = p.chassis_mac
		JOIN interfaces i ON i.mac = p.interface_mac
		ORDER BY i.machine_id, p.mac`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.ChassisPort)
	for rows.Next() {
		var id int64
		var p models.ChassisPort
		if err := rows.Scan(&id, &p.MAC, &p.ChassisMAC, &p.ChassisName, &p.InterfaceMAC); err != nil {
			return nil, err
		}
		out[id] = append(out[id], p)
	}
	return out, rows.Err()
}
