// Package scheduler assigns cluster roles to discovered machines and answers
// the role queries used to render cluster bootstrap configuration.
//
// A machine is addressed by the MAC of its boot interface. Role queries come
// in two flavours that must not be unified: a single role is a membership
// test (machines holding at least that role), several roles are an exact
// set test (machines holding exactly those roles and nothing else).
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/models"
)

// UnknownSelectorError reports a schedule request for a MAC that is not the
// boot interface of any discovered machine. It is logged, not returned.
type UnknownSelectorError struct {
	MAC string
}

func (e *UnknownSelectorError) Error() string {
	return fmt.Sprintf("no machine boots from %s", e.MAC)
}

// Scheduler reads and writes role assignments.
type Scheduler struct {
	db     *db.DB
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Scheduler over d. A nil logger uses slog.Default().
func New(d *db.DB, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: d, logger: logger, now: time.Now}
}

// CreateSchedule adds the requested roles to the machine selected by
// req.Selector.MAC. Roles the machine already holds are left alone. A
// selector matching no machine is logged and ignored.
func (s *Scheduler) CreateSchedule(ctx context.Context, req *models.ScheduleRequest) error {
	if req == nil {
		return models.Invalid("empty schedule request")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	mac := req.Selector.MAC

	var (
		unknown bool
		added   []models.Role
	)
	err := s.db.InTx(ctx, "create schedule", func(tx *sql.Tx) error {
		machineID, ok, err := db.MachineIDByBootMAC(ctx, tx, mac)
		if err != nil {
			return fmt.Errorf("resolve selector: %w", err)
		}
		if !ok {
			unknown = true
			return nil
		}

		now := db.FormatTime(s.now())
		for _, role := range req.Roles {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO schedules (machine_id, role, created_at) VALUES (?, ?, ?)
				ON CONFLICT (machine_id, role) DO NOTHING`,
				machineID, string(role), now)
			if err != nil {
				return fmt.Errorf("schedule %s: %w", role, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				added = append(added, role)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if unknown {
		s.logger.Warn("schedule ignored", "mac", mac, "error", (&UnknownSelectorError{MAC: mac}).Error())
		return nil
	}
	for _, role := range added {
		s.logger.Info("machine scheduled", "mac", mac, "role", string(role))
	}
	return nil
}

// MachinesByRole returns every machine holding role, whatever other roles
// it also holds.
func (s *Scheduler) MachinesByRole(ctx context.Context, role models.Role) ([]models.MachineWithRoles, error) {
	var out []models.MachineWithRoles
	err := s.db.InTx(ctx, "machines by role", func(tx *sql.Tx) error {
		var err error
		out, err = scheduledMachines(ctx, tx, `
			SELECT `+db.BootSummaryColumns+`
			FROM machines m
			JOIN interfaces i ON i.machine_id = m.id AND i.as_boot = 1
			JOIN schedules s ON s.machine_id = m.id
			WHERE s.role = ?
			ORDER BY m.id`, string(role))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MachinesByRoles returns the machines matching roles. With one role it is
// MachinesByRole. With more, only machines whose complete role set equals
// the requested set are returned; repeated roles in the request count once.
func (s *Scheduler) MachinesByRoles(ctx context.Context, roles ...models.Role) ([]models.MachineWithRoles, error) {
	switch len(roles) {
	case 0:
		return nil, models.Invalid("at least one role is required")
	case 1:
		return s.MachinesByRole(ctx, roles[0])
	}

	want := make(map[models.Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}

	var candidates []models.MachineWithRoles
	err := s.db.InTx(ctx, "machines by roles", func(tx *sql.Tx) error {
		var err error
		candidates, err = scheduledMachines(ctx, tx, `
			SELECT `+db.BootSummaryColumns+`
			FROM machines m
			JOIN interfaces i ON i.machine_id = m.id AND i.as_boot = 1
			WHERE EXISTS (SELECT 1 FROM schedules s WHERE s.machine_id = m.id)
			ORDER BY m.id`)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := []models.MachineWithRoles{}
	for _, m := range candidates {
		if sameRoles(m.Roles, want) {
			out = append(out, m)
		}
	}
	return out, nil
}

func sameRoles(have []models.Role, want map[models.Role]bool) bool {
	if len(have) != len(want) {
		return false
	}
	for _, r := range have {
		if !want[r] {
			return false
		}
	}
	return true
}

// AvailableMachines returns the machines with a boot interface and no role.
func (s *Scheduler) AvailableMachines(ctx context.Context) ([]models.MachineSummary, error) {
	out := []models.MachineSummary{}
	err := s.db.InTx(ctx, "available machines", func(tx *sql.Tx) error {
		disks, err := db.DisksByMachine(ctx, tx)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+db.BootSummaryColumns+`
			FROM machines m
			JOIN interfaces i ON i.machine_id = m.id AND i.as_boot = 1
			WHERE NOT EXISTS (SELECT 1 FROM schedules s WHERE s.machine_id = m.id)
			ORDER BY m.id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			id, m, err := db.ScanBootSummary(rows)
			if err != nil {
				return err
			}
			m.Disks = nonNilDisks(disks[id])
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RoleIPList returns the boot IPv4 address of every machine holding role.
func (s *Scheduler) RoleIPList(ctx context.Context, role models.Role) ([]string, error) {
	ips := []string{}
	err := s.db.InTx(ctx, "role ip list", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT i.ipv4
			FROM schedules s
			JOIN interfaces i ON i.machine_id = s.machine_id AND i.as_boot = 1
			WHERE s.role = ?
			ORDER BY s.id`, string(role))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				return err
			}
			ips = append(ips, ip)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// AllSchedules maps the boot MAC of every scheduled machine to its roles in
// assignment order.
func (s *Scheduler) AllSchedules(ctx context.Context) (map[string][]models.Role, error) {
	out := map[string][]models.Role{}
	err := s.db.InTx(ctx, "all schedules", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT i.mac, s.role
			FROM schedules s
			JOIN interfaces i ON i.machine_id = s.machine_id AND i.as_boot = 1
			ORDER BY s.id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var mac string
			var role models.Role
			if err := rows.Scan(&mac, &role); err != nil {
				return err
			}
			out[mac] = append(out[mac], role)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RolesByMAC returns the roles of the machine owning an interface with mac.
func (s *Scheduler) RolesByMAC(ctx context.Context, mac string) ([]models.Role, error) {
	canonical, err := models.NormalizeMAC(mac)
	if err != nil {
		return nil, models.Invalid("selector mac: %v", err)
	}

	roles := []models.Role{}
	err = s.db.InTx(ctx, "roles by mac", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.role
			FROM schedules s
			JOIN interfaces i ON i.machine_id = s.machine_id
			WHERE i.mac = ?
			ORDER BY s.id`, canonical)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var role models.Role
			if err := rows.Scan(&role); err != nil {
				return err
			}
			roles = append(roles, role)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// scheduledMachines runs query, which must select db.BootSummaryColumns, and
// attaches disks and the full role set of each machine.
func scheduledMachines(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]models.MachineWithRoles, error) {
	roles, err := rolesByMachine(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	disks, err := db.DisksByMachine(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("disks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.MachineWithRoles{}
	for rows.Next() {
		id, summary, err := db.ScanBootSummary(rows)
		if err != nil {
			return nil, err
		}
		summary.Disks = nonNilDisks(disks[id])
		out = append(out, models.MachineWithRoles{MachineSummary: summary, Roles: roles[id]})
	}
	return out, rows.Err()
}

func rolesByMachine(ctx context.Context, tx *sql.Tx) (map[int64][]models.Role, error) {
	rows, err := tx.QueryContext(ctx, `SELECT machine_id, role FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.Role)
	for rows.Next() {
		var id int64
		var role models.Role
		if err := rows.Scan(&id, &role); err != nil {
			return nil, err
		}
		out[id] = append(out[id], role)
	}
	return out, rows.Err()
}

func nonNilDisks(d []models.Disk) []models.Disk {
	if d == nil {
		return []models.Disk{}
	}
	return d
}
