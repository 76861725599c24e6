package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"spotify-time-machine-go/logcolors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

// Scopes requested at login
var Scopes = []string{
	spotifyauth.ScopeUserReadPrivate,
	spotifyauth.ScopeUserReadEmail,
	spotifyauth.ScopeUserLibraryRead,
	spotifyauth.ScopeUserTopRead,
	spotifyauth.ScopeUserReadRecentlyPlayed,
	spotifyauth.ScopePlaylistModifyPrivate,
	spotifyauth.ScopePlaylistModifyPublic,
}

// tokenErrorBody is the accounts service's error answer
type tokenErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenError turns an oauth2 failure into an error carrying the provider's
// status and description
func tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var body tokenErrorBody
	msg := strings.TrimSpace(string(retrieveErr.Body))
	if json.Unmarshal(retrieveErr.Body, &body) == nil {
		if body.ErrorDescription != "" {
			msg = body.ErrorDescription
		} else if body.Error != "" {
			msg = body.Error
		}
	}
	return fmt.Errorf("%s: status %d: %s", op, retrieveErr.Response.StatusCode, msg)
}

// Authenticator runs the authorization-code flow against the accounts service
type Authenticator struct {
	config *oauth2.Config
	client *resty.Client
}

// NewAuthenticator builds an Authenticator. An empty accountsURL uses the public
// Spotify accounts service.
func NewAuthenticator(clientID, clientSecret, redirectURL, accountsURL string) *Authenticator {
	endpoint := oauth2.Endpoint{
		AuthURL:   spotifyauth.AuthURL,
		TokenURL:  spotifyauth.TokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	if accountsURL != "" {
		base := strings.TrimSuffix(accountsURL, "/")
		endpoint.AuthURL = base + "/authorize"
		endpoint.TokenURL = base + "/api/token"
	}

	return &Authenticator{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		client: resty.New().SetTimeout(15 * time.Second),
	}
}

// Config returns the underlying OAuth2 configuration
func (a *Authenticator) Config() *oauth2.Config {
	return a.config
}

// AuthURL returns the URL the user is sent to for consent
func (a *Authenticator) AuthURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens
func (a *Authenticator) Exchange(ctx context.Context, code string) (TokenState, error) {
	if code == "" {
		return TokenState{}, errors.New("missing authorization code")
	}

	tok, err := a.config.Exchange(a.httpContext(ctx), code)
	if err != nil {
		return TokenState{}, tokenError("token exchange", err)
	}
	if tok.AccessToken == "" {
		return TokenState{}, errors.New("token exchange: no access token received")
	}

	log.Infof("%s Authorization code exchanged (scope: %v)", logcolors.LogOAuth, tok.Extra("scope"))
	state := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		state.ExpiresAt = tok.Expiry.Unix()
	}
	return state, nil
}

// httpContext routes oauth2 token requests through the authenticator's client
func (a *Authenticator) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client.GetClient())
}

// Refresher returns a RefreshFunc backed by this authenticator's configuration
func (a *Authenticator) Refresher() RefreshFunc {
	refresh := OAuthRefresher(a.config)
	return func(ctx context.Context, refreshToken string) (TokenState, error) {
		return refresh(a.httpContext(ctx), refreshToken)
	}
}

// OAuthRefresher returns a RefreshFunc that uses the refresh-token grant. The
// previous refresh token is kept when the provider does not rotate it.
func OAuthRefresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (TokenState, error) {
		expired := &oauth2.Token{
			RefreshToken: refreshToken,
			Expiry:       time.Now().Add(-time.Minute),
		}
		tok, err := cfg.TokenSource(ctx, expired).Token()
		if err != nil {
			return TokenState{}, tokenError("token refresh", err)
		}

		state := TokenState{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
		}
		if state.RefreshToken == "" {
			state.RefreshToken = refreshToken
		}
		if !tok.Expiry.IsZero() {
			state.ExpiresAt = tok.Expiry.Unix()
		}
		return state, nil
	}
}
