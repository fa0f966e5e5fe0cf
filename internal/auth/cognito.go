package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"coteacher/internal/config"

	"golang.org/x/oauth2"
)

var ErrNoEmail = errors.New("identity provider returned no email")

var defaultScopes = []string{"openid", "email", "profile"}

// Cognito drives the hosted-UI authorization code flow. The teacher id is
// the email address from the userinfo endpoint.
type Cognito struct {
	oauth       *oauth2.Config
	userInfoURL string
	logoutURL   string
	signOutURL  string
	httpClient  *http.Client
}

func NewCognito(cfg config.AuthConfig, httpClient *http.Client) *Cognito {
	base := cfg.Domain
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &Cognito{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/oauth2/authorize",
				TokenURL: base + "/oauth2/token",
			},
		},
		userInfoURL: base + "/oauth2/userInfo",
		logoutURL:   base + "/logout",
		signOutURL:  cfg.SignOutURL,
		httpClient:  httpClient,
	}
}

// AuthCodeURL returns the hosted-UI URL that starts a sign-in bound to state.
func (c *Cognito) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for the signed-in teacher's email.
func (c *Cognito) Exchange(ctx context.Context, code string) (string, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	return c.email(ctx, token)
}

func (c *Cognito) email(ctx context.Context, token *oauth2.Token) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("fetch userinfo: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", ErrNoEmail
	}
	return info.Email, nil
}

// LogoutURL ends the hosted-UI session and returns to the configured sign-out page.
func (c *Cognito) LogoutURL() string {
	if c.signOutURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("client_id", c.oauth.ClientID)
	q.Set("logout_uri", c.signOutURL)
	return c.logoutURL + "?" + q.Encode()
}
