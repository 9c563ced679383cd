package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Token kinds
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Token is a persisted bearer credential record.  For refresh tokens,
// AccessToken names the access token currently paired with it.
type Token struct {
	Token       string
	UserID      string
	Kind        string
	ExpiresAt   time.Time
	AccessToken string
}

// Token fetches a token record by its opaque string
func (db *DB) Token(ctx context.Context, token string) (*Token, error) {
	t := Token{}
	var expires int64
	err := db.QueryRowContext(ctx,
		`SELECT token, user_id, kind, expires_at, access_token FROM tokens WHERE token = ?`,
		token).
		Scan(&t.Token, &t.UserID, &t.Kind, &expires, &t.AccessToken)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, "token")
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching token")
	}

	if expires != 0 {
		t.ExpiresAt = time.Unix(expires, 0)
	}

	return &t, nil
}

// PutToken creates or replaces a token record
func (db *DB) PutToken(ctx context.Context, t Token) error {
	var expires int64
	if !t.ExpiresAt.IsZero() {
		expires = t.ExpiresAt.Unix()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, kind, expires_at, access_token) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, kind = excluded.kind,
		   expires_at = excluded.expires_at, access_token = excluded.access_token`,
		t.Token, t.UserID, t.Kind, expires, t.AccessToken)

	return errors.Wrap(err, "storing token")
}

// DeleteToken removes a token record; deleting a missing token is not
// an error
func (db *DB) DeleteToken(ctx context.Context, token string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	return errors.Wrap(err, "deleting token")
}
