package store

import "github.com/pkg/errors"

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id        TEXT PRIMARY KEY,
    agent_id  TEXT NOT NULL,
    name      TEXT NOT NULL DEFAULT ''
);

-- Device catalog: static descriptors, immutable after creation
CREATE TABLE IF NOT EXISTS devices (
    id    TEXT PRIMARY KEY,
    type  TEXT NOT NULL,
    name  TEXT NOT NULL DEFAULT ''
);

-- A user's handle on a catalog device, plus its state document
CREATE TABLE IF NOT EXISTS user_devices (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id),
    device_id  TEXT NOT NULL REFERENCES devices(id),
    name       TEXT NOT NULL DEFAULT '',
    state      TEXT NOT NULL DEFAULT '{}'
);

-- Access and refresh tokens.  A refresh token remembers the access
-- token it is currently paired with so rotation can delete it.
CREATE TABLE IF NOT EXISTS tokens (
    token         TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    kind          TEXT NOT NULL,
    expires_at    INTEGER NOT NULL DEFAULT 0,
    access_token  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_user_devices_user ON user_devices(user_id);
CREATE INDEX IF NOT EXISTS idx_user_devices_device ON user_devices(device_id);
`

func (db *DB) applySchema() error {
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "applying store schema")
	}

	return nil
}
