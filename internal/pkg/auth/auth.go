package auth

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

/*
 *   Issues and validates the bearer tokens the platform presents on
 *   fulfillment calls.  The account-linking flow here is the sample
 *   stand-in: the authorization grant encodes the chosen user directly
 *   and is exchanged without credential checks.
 */

// AccessTokenTTL is how long a freshly minted access token is valid
const AccessTokenTTL = 24 * time.Hour

// ErrInvalidGrant marks a code or refresh token that cannot be
// exchanged.  Surfaced to callers as the oauth invalid_grant error.
var ErrInvalidGrant = errors.New("invalid grant")

// TokenPair is the bearer material handed back from an exchange.
// RefreshToken is empty on a refresh exchange; the caller keeps the
// refresh token it already has.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Service performs token exchanges against the token store
type Service struct {
	db *store.DB
}

func New(db *store.DB) *Service {
	return &Service{db: db}
}

// IssueAuthorizationGrant produces the short opaque code the login form
// hands back to the platform.  It encodes the selected user and grants
// nothing by itself; the platform must exchange it at the token
// endpoint.
func (s *Service) IssueAuthorizationGrant(userID string) string {
	return base64.StdEncoding.EncodeToString([]byte(userID))
}

// ExchangeAuthorizationCode decodes an authorization code to a user and
// mints a fresh access/refresh token pair for them
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code string) (*TokenPair, error) {
	userID, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidGrant, "undecodable authorization code")
	}

	user, err := s.db.User(ctx, string(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrapf(ErrInvalidGrant, "no such user %s", userID)
		}
		return nil, err
	}

	accessToken := uuid.New().String()
	refreshToken := uuid.New().String()

	if err := s.db.PutToken(ctx, store.Token{
		Token:     accessToken,
		UserID:    user.ID,
		Kind:      store.TokenKindAccess,
		ExpiresAt: time.Now().Add(AccessTokenTTL),
	}); err != nil {
		return nil, err
	}

	if err := s.db.PutToken(ctx, store.Token{
		Token:       refreshToken,
		UserID:      user.ID,
		Kind:        store.TokenKindRefresh,
		AccessToken: accessToken,
	}); err != nil {
		return nil, err
	}

	logging.Logger(ctx).Infof("Issued token pair for user %s", user.ID)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    AccessTokenTTL,
	}, nil
}

// ExchangeRefreshToken rotates the access token paired with a refresh
// token.  The old access token stops resolving; the refresh token
// itself stays valid and reusable.
func (s *Service) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	record, err := s.db.Token(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrap(ErrInvalidGrant, "unknown refresh token")
		}
		return nil, err
	}

	// Reject an access token passed where a refresh token belongs
	if record.Kind != store.TokenKindRefresh {
		return nil, errors.Wrapf(ErrInvalidGrant, "token kind %s", record.Kind)
	}

	if record.AccessToken != "" {
		if err := s.db.DeleteToken(ctx, record.AccessToken); err != nil {
			return nil, err
		}
	}

	accessToken := uuid.New().String()
	if err := s.db.PutToken(ctx, store.Token{
		Token:     accessToken,
		UserID:    record.UserID,
		Kind:      store.TokenKindAccess,
		ExpiresAt: time.Now().Add(AccessTokenTTL),
	}); err != nil {
		return nil, err
	}

	record.AccessToken = accessToken
	if err := s.db.PutToken(ctx, *record); err != nil {
		return nil, err
	}

	logging.Logger(ctx).Infof("Rotated access token for user %s", record.UserID)

	return &TokenPair{
		AccessToken: accessToken,
		ExpiresIn:   AccessTokenTTL,
	}, nil
}

// ResolveBearerToken resolves an access token to its user.  A missing,
// expired or mistyped token resolves to (nil, nil): unauthenticated is
// a state, not an error, and the caller decides how to react.
func (s *Service) ResolveBearerToken(ctx context.Context, token string) (*store.User, error) {
	record, err := s.db.Token(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if record.Kind != store.TokenKindAccess {
		return nil, nil
	}

	// Expiry is checked lazily; there is no background sweep
	if !record.ExpiresAt.IsZero() && record.ExpiresAt.Before(time.Now()) {
		logging.Logger(ctx).Debugf("Access token for user %s expired at %s", record.UserID, record.ExpiresAt)
		return nil, nil
	}

	user, err := s.db.User(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return user, nil
}
