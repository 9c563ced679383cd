package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// User is a seeded account whose device fleet the platform addresses
// via AgentID
type User struct {
	ID      string
	AgentID string
	Name    string
}

// Device is a static catalog descriptor
type Device struct {
	ID   string
	Type devices.Type
	Name string
}

// UserDevice is a user's handle on a catalog device plus its current
// state snapshot
type UserDevice struct {
	ID       string
	UserID   string
	DeviceID string
	Name     string
	State    devices.State
}

// User fetches a user by id
func (db *DB) User(ctx context.Context, id string) (*User, error) {
	u := User{}
	err := db.QueryRowContext(ctx,
		`SELECT id, agent_id, name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.AgentID, &u.Name)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "user %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching user")
	}

	return &u, nil
}

// PutUser creates or replaces a user record
func (db *DB) PutUser(ctx context.Context, u User) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, agent_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET agent_id = excluded.agent_id, name = excluded.name`,
		u.ID, u.AgentID, u.Name)

	return errors.Wrap(err, "storing user")
}

// Users lists every seeded user
func (db *DB) Users(ctx context.Context) ([]User, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, agent_id, name FROM users ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u := User{}
		if err := rows.Scan(&u.ID, &u.AgentID, &u.Name); err != nil {
			return nil, errors.Wrap(err, "scanning user")
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// Device fetches a catalog descriptor by id
func (db *DB) Device(ctx context.Context, id string) (*Device, error) {
	d := Device{}
	var typ string
	err := db.QueryRowContext(ctx,
		`SELECT id, type, name FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &typ, &d.Name)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "device %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching device")
	}

	d.Type, err = devices.ParseType(typ)
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// PutDevice creates or replaces a catalog descriptor
func (db *DB) PutDevice(ctx context.Context, d Device) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO devices (id, type, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type = excluded.type, name = excluded.name`,
		d.ID, string(d.Type), d.Name)

	return errors.Wrap(err, "storing device")
}

// UserDevice fetches a user device (with state) by handle
func (db *DB) UserDevice(ctx context.Context, id string) (*UserDevice, error) {
	ud := UserDevice{}
	var stateJSON string
	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, name, state FROM user_devices WHERE id = ?`, id).
		Scan(&ud.ID, &ud.UserID, &ud.DeviceID, &ud.Name, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "user device %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching user device")
	}

	if err := json.Unmarshal([]byte(stateJSON), &ud.State); err != nil {
		return nil, errors.Wrapf(err, "decoding state for user device %s", id)
	}

	return &ud, nil
}

// UserDevices lists a user's devices, state included
func (db *DB) UserDevices(ctx context.Context, userID string) ([]UserDevice, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, device_id, name, state FROM user_devices WHERE user_id = ? ORDER BY id`,
		userID)
	if err != nil {
		return nil, errors.Wrap(err, "listing user devices")
	}
	defer rows.Close()

	var uds []UserDevice
	for rows.Next() {
		ud := UserDevice{}
		var stateJSON string
		if err := rows.Scan(&ud.ID, &ud.UserID, &ud.DeviceID, &ud.Name, &stateJSON); err != nil {
			return nil, errors.Wrap(err, "scanning user device")
		}
		if err := json.Unmarshal([]byte(stateJSON), &ud.State); err != nil {
			return nil, errors.Wrapf(err, "decoding state for user device %s", ud.ID)
		}
		uds = append(uds, ud)
	}

	return uds, rows.Err()
}

// FirstUserDeviceOfType returns the first user device whose catalog
// entry has the given type.  The local update-state caller identifies
// devices by type only.
func (db *DB) FirstUserDeviceOfType(ctx context.Context, t devices.Type) (*UserDevice, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT ud.id FROM user_devices ud JOIN devices d ON ud.device_id = d.id
		 WHERE d.type = ? ORDER BY ud.id LIMIT 1`, string(t)).
		Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "user device of type %s", t)
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding user device by type")
	}

	return db.UserDevice(ctx, id)
}

// PutUserDevice creates or replaces a user device, state and all
func (db *DB) PutUserDevice(ctx context.Context, ud UserDevice) error {
	stateJSON, err := json.Marshal(ud.State)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO user_devices (id, user_id, device_id, name, state) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, device_id = excluded.device_id,
		   name = excluded.name, state = excluded.state`,
		ud.ID, ud.UserID, ud.DeviceID, ud.Name, string(stateJSON))

	return errors.Wrap(err, "storing user device")
}

// MergeUserDeviceState applies a partial state on top of a user
// device's stored state.  Attributes not mentioned keep their prior
// value.  Registered state write observers run after the write is
// durable and are handed the merged state.
func (db *DB) MergeUserDeviceState(ctx context.Context, id string, partial devices.State) (devices.State, error) {
	ud, err := db.UserDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := ud.State.Merge(partial)
	stateJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "encoding state")
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE user_devices SET state = ? WHERE id = ?`, string(stateJSON), id); err != nil {
		return nil, errors.Wrapf(err, "writing state for user device %s", id)
	}

	db.notifyStateWrite(StateWriteEvent{
		UserDeviceID: ud.ID,
		UserID:       ud.UserID,
		DeviceID:     ud.DeviceID,
		State:        merged,
	})

	return merged, nil
}
