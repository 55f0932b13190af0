// Package lifecycle records the last reported boot/install state of each
// machine. It is an observability log: any state may follow any other, and a
// failure to record a state never fails the operation that reported it.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/models"
)

// TrackingError is a failed attempt to record a lifecycle state.
type TrackingError struct {
	MAC   string
	State models.State
	Err   error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("record state %q for %s: %v", e.State, e.MAC, e.Err)
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}

// Tracker stores one lifecycle row per MAC.
type Tracker struct {
	db     *db.DB
	logger *slog.Logger
	now    func() time.Time

	// OnError is called with every swallowed TrackingError after it is logged.
	OnError func(*TrackingError)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now as the source of update timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a Tracker over d. A nil logger uses slog.Default().
func New(d *db.DB, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{db: d, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update records state for mac and never fails: errors are logged and
// handed to OnError.
func (t *Tracker) Update(ctx context.Context, mac string, state models.State) {
	err := t.Record(ctx, mac, state)
	if err == nil {
		return
	}

	var terr *TrackingError
	if !errors.As(err, &terr) {
		terr = &TrackingError{MAC: mac, State: state, Err: err}
	}
	t.logger.Error("lifecycle state not recorded",
		"mac", mac,
		"state", string(state),
		"error", terr.Err,
	)
	if t.OnError != nil {
		t.OnError(terr)
	}
}

// Record overwrites the state stored for mac and links the row to the
// machine owning an interface with that MAC, if any. Unknown MACs are
// recorded without a machine.
func (t *Tracker) Record(ctx context.Context, mac string, state models.State) error {
	if state == "" {
		return &TrackingError{MAC: mac, State: state, Err: fmt.Errorf("empty state")}
	}
	canonical, err := models.NormalizeMAC(mac)
	if err != nil {
		return &TrackingError{MAC: mac, State: state, Err: err}
	}

	err = t.db.InTx(ctx, "update lifecycle state", func(tx *sql.Tx) error {
		var machineID sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT machine_id FROM interfaces WHERE mac = ?`, canonical).Scan(&machineID)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		now := db.FormatTime(t.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lifecycle_states (mac, machine_id, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (mac) DO UPDATE SET
				machine_id = excluded.machine_id,
				state      = excluded.state,
				updated_at = excluded.updated_at`,
			canonical, machineID, string(state), now, now)
		return err
	})
	if err != nil {
		return &TrackingError{MAC: canonical, State: state, Err: err}
	}

	t.logger.Debug("lifecycle state recorded", "mac", canonical, "state", string(state))
	return nil
}

// Fetch returns the states updated within the trailing window, newest
// first, with the fqdn of the matching interface when it is known.
func (t *Tracker) Fetch(ctx context.Context, window time.Duration) ([]models.LifecycleState, error) {
	since := db.FormatTime(t.now().Add(-window))

	states := []models.LifecycleState{}
	err := t.db.InTx(ctx, "fetch lifecycle states", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.mac, COALESCE(i.fqdn, ''), s.state, s.updated_at
			FROM lifecycle_states s
			LEFT JOIN interfaces i ON i.mac = s.mac
			WHERE s.updated_at > ?
			ORDER BY s.updated_at DESC, s.id DESC`, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s models.LifecycleState
			var updatedAt string
			if err := rows.Scan(&s.MAC, &s.FQDN, &s.State, &updatedAt); err != nil {
				return err
			}
			if s.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
				return err
			}
			states = append(states, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
