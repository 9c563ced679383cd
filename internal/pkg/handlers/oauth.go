package handlers

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/auth"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

/*
 *   The account-linking endpoints the platform drives: /authorize
 *   redirects into the user-selection form at /login, whose submit
 *   bounces the caller back with an authorization code; /token
 *   exchanges codes and refresh tokens for bearer material.
 */

var loginFormTemplate = template.Must(template.New("login").Parse(`<html>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <body>
    <form action="/login" method="post">
      <input type="hidden" name="responseUrl" value="{{.ResponseURL}}" />
      {{range $i, $u := .Users}}
      <input type="radio" id="userId{{$u.ID}}" name="userId" value="{{$u.ID}}"{{if eq $i 0}} checked{{end}}>
      <label for="userId{{$u.ID}}">{{$u.Name}}</label><br>
      {{end}}
      <button type="submit">
        Link this service to your assistant
      </button>
    </form>
  </body>
</html>
`))

type OauthHandler struct {
	db      *store.DB
	authSvc *auth.Service
}

func NewOauthHandler(db *store.DB, authSvc *auth.Service) OauthHandler {
	return OauthHandler{
		db:      db,
		authSvc: authSvc,
	}
}

// Login renders the user-selection form on GET and redirects back to
// the platform with an authorization code on POST
func (h *OauthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	switch r.Method {
	case http.MethodGet:
		ctxLogger.Info("Requesting login page")

		users, err := h.db.Users(r.Context())
		if err != nil {
			ctxLogger.WithError(err).Error("listing users for login form")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		data := struct {
			ResponseURL string
			Users       []store.User
		}{
			ResponseURL: r.URL.Query().Get("responseUrl"),
			Users:       users,
		}

		if err := loginFormTemplate.Execute(w, data); err != nil {
			ctxLogger.WithError(err).Error("rendering login form")
		}

	case http.MethodPost:
		// A real service validates the account here; this stand-in
		// takes the selection at face value
		if err := r.ParseForm(); err != nil {
			http.Error(w, "unable to parse form", http.StatusBadRequest)
			return
		}

		responseURL, err := url.QueryUnescape(r.PostFormValue("responseUrl"))
		if err != nil {
			http.Error(w, "bad responseUrl", http.StatusBadRequest)
			return
		}

		code := h.authSvc.IssueAuthorizationGrant(r.PostFormValue("userId"))
		redirect := fmt.Sprintf("%s&code=%s", responseURL, code)

		ctxLogger.Infof("Redirect to %s", redirect)
		http.Redirect(w, r, redirect, http.StatusFound)

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// Authorize bounces the platform's authorization request into the
// login form, stashing the redirect back to the platform in
// responseUrl
func (h *OauthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	redirectURI, err := url.QueryUnescape(r.URL.Query().Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}

	responseURL := fmt.Sprintf("%s?state=%s", redirectURI, r.URL.Query().Get("state"))
	logging.Logger(r.Context()).Infof("Set redirect as %s", responseURL)

	http.Redirect(w, r, "/login?responseUrl="+url.QueryEscape(responseURL), http.StatusFound)
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenError struct {
	Error string `json:"error"`
}

// Token exchanges an authorization code or refresh token for bearer
// material
func (h *OauthHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	if err := r.ParseForm(); err != nil {
		http.Error(w, "unable to parse form", http.StatusBadRequest)
		return
	}

	// Accept the parameters from either the form body or the query
	// string; callers differ
	param := func(name string) string {
		if v := r.PostFormValue(name); v != "" {
			return v
		}
		return r.URL.Query().Get(name)
	}

	var pair *auth.TokenPair
	var err error

	switch grantType := param("grant_type"); grantType {
	case "authorization_code":
		pair, err = h.authSvc.ExchangeAuthorizationCode(r.Context(), param("code"))
	case "refresh_token":
		pair, err = h.authSvc.ExchangeRefreshToken(r.Context(), param("refresh_token"))
	default:
		err = errors.Wrapf(auth.ErrInvalidGrant, "grant type [%s]", grantType)
	}

	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			ctxLogger.WithError(err).Warn("token exchange rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			sendJSONResponse(w, r, tokenError{Error: "invalid_grant"})
			return
		}

		ctxLogger.WithError(err).Error("token exchange")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sendJSONResponse(w, r, tokenResponse{
		TokenType:    "bearer",
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int(pair.ExpiresIn.Seconds()),
	})
}
