package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultBaseURL is the public control plane API root.
	DefaultBaseURL = "https://api.tailscale.com/api/v2"
	// DefaultScopes are requested when none are configured.
	DefaultScopes = "auth_keys devices:core"

	tokenTimeout       = 20 * time.Second
	defaultTokenExpiry = 3600 * time.Second
)

var errEmptyToken = errors.New("token endpoint returned an empty access token")

// OAuthSource performs the client-credentials grant against the control
// plane's token endpoint. The client id and secret travel in the basic-auth
// header.
type OAuthSource struct {
	cfg  clientcredentials.Config
	http *http.Client
	now  func() time.Time
}

// NewOAuthSource builds a source for the token endpoint under baseURL.
// scopes is a space separated list.
func NewOAuthSource(baseURL, clientID, clientSecret, scopes string) *OAuthSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(scopes) == "" {
		scopes = DefaultScopes
	}
	return &OAuthSource{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     strings.TrimRight(baseURL, "/") + "/oauth/token",
			Scopes:       strings.Fields(scopes),
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		http: &http.Client{Timeout: tokenTimeout},
		now:  time.Now,
	}
}

// FetchToken implements TokenSource. A response without expires_in is
// treated as valid for one hour.
func (s *OAuthSource) FetchToken(ctx context.Context) (AccessToken, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)

	issuedAt := s.now()
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	if tok.AccessToken == "" {
		return AccessToken{}, errEmptyToken
	}

	exp := tok.Expiry
	if exp.IsZero() {
		exp = issuedAt.Add(defaultTokenExpiry)
	}
	return AccessToken{Value: tok.AccessToken, ExpiresAt: exp}, nil
}
