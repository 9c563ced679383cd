package auth

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

func testService(t *testing.T) (*Service, *store.DB) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.PutUser(context.Background(), store.User{ID: "u1", AgentID: "agent-u1", Name: "Alice"}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	return New(db), db
}

func TestIssueAuthorizationGrant(t *testing.T) {
	svc, _ := testService(t)

	code := svc.IssueAuthorizationGrant("u1")
	decoded, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		t.Fatalf("grant is not base64: %v", err)
	}
	if string(decoded) != "u1" {
		t.Errorf("grant decodes to %q, want u1", decoded)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	t.Run("valid code", func(t *testing.T) {
		pair, err := svc.ExchangeAuthorizationCode(ctx, svc.IssueAuthorizationGrant("u1"))
		if err != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
		}
		if pair.AccessToken == "" || pair.RefreshToken == "" {
			t.Errorf("pair = %+v, want both tokens", pair)
		}
		if pair.ExpiresIn != AccessTokenTTL {
			t.Errorf("ExpiresIn = %v, want %v", pair.ExpiresIn, AccessTokenTTL)
		}

		user, err := svc.ResolveBearerToken(ctx, pair.AccessToken)
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user == nil || user.ID != "u1" {
			t.Errorf("ResolveBearerToken() = %+v, want u1", user)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := svc.ExchangeAuthorizationCode(ctx, svc.IssueAuthorizationGrant("nobody"))
		if errors.Cause(err) != ErrInvalidGrant {
			t.Errorf("error = %v, want ErrInvalidGrant", err)
		}
	})

	t.Run("garbage code", func(t *testing.T) {
		_, err := svc.ExchangeAuthorizationCode(ctx, "%%%not-base64%%%")
		if errors.Cause(err) != ErrInvalidGrant {
			t.Errorf("error = %v, want ErrInvalidGrant", err)
		}
	})
}

func TestExchangeRefreshToken(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	pair, err := svc.ExchangeAuthorizationCode(ctx, svc.IssueAuthorizationGrant("u1"))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	t.Run("rotates the access token", func(t *testing.T) {
		rotated, err := svc.ExchangeRefreshToken(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("ExchangeRefreshToken() error = %v", err)
		}
		if rotated.AccessToken == "" || rotated.AccessToken == pair.AccessToken {
			t.Errorf("rotated access token = %q", rotated.AccessToken)
		}
		if rotated.RefreshToken != "" {
			t.Errorf("refresh exchange returned a refresh token %q, want none", rotated.RefreshToken)
		}

		// The old access token must stop resolving; the new one works
		user, err := svc.ResolveBearerToken(ctx, pair.AccessToken)
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user != nil {
			t.Error("revoked access token still resolves")
		}

		user, err = svc.ResolveBearerToken(ctx, rotated.AccessToken)
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user == nil || user.ID != "u1" {
			t.Errorf("ResolveBearerToken(new) = %+v, want u1", user)
		}
	})

	t.Run("refresh token stays valid", func(t *testing.T) {
		if _, err := svc.ExchangeRefreshToken(ctx, pair.RefreshToken); err != nil {
			t.Errorf("second refresh exchange error = %v", err)
		}
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		fresh, err := svc.ExchangeAuthorizationCode(ctx, svc.IssueAuthorizationGrant("u1"))
		if err != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
		}
		_, err = svc.ExchangeRefreshToken(ctx, fresh.AccessToken)
		if errors.Cause(err) != ErrInvalidGrant {
			t.Errorf("error = %v, want ErrInvalidGrant", err)
		}
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		_, err := svc.ExchangeRefreshToken(ctx, "never-issued")
		if errors.Cause(err) != ErrInvalidGrant {
			t.Errorf("error = %v, want ErrInvalidGrant", err)
		}
	})
}

func TestResolveBearerToken(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()

	t.Run("unknown token is unauthenticated", func(t *testing.T) {
		user, err := svc.ResolveBearerToken(ctx, "nope")
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user != nil {
			t.Errorf("ResolveBearerToken(nope) = %+v, want nil", user)
		}
	})

	t.Run("expired token is unauthenticated", func(t *testing.T) {
		if err := db.PutToken(ctx, store.Token{
			Token:     "stale",
			UserID:    "u1",
			Kind:      store.TokenKindAccess,
			ExpiresAt: time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("PutToken() error = %v", err)
		}

		user, err := svc.ResolveBearerToken(ctx, "stale")
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user != nil {
			t.Errorf("ResolveBearerToken(stale) = %+v, want nil", user)
		}
	})

	t.Run("refresh token does not authenticate", func(t *testing.T) {
		pair, err := svc.ExchangeAuthorizationCode(ctx, svc.IssueAuthorizationGrant("u1"))
		if err != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
		}

		user, err := svc.ResolveBearerToken(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("ResolveBearerToken() error = %v", err)
		}
		if user != nil {
			t.Errorf("refresh token resolved to %+v, want nil", user)
		}
	})
}
