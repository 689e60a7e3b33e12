package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrProviderTokenExchange = errors.New("failed to exchange code for tokens")
	ErrProviderUserInfo      = errors.New("failed to get user info from provider")
	ErrIncompleteIdentity    = errors.New("provider returned no id or email")
	ErrUnverifiedEmail       = errors.New("provider has not verified the email address")
)

// ExternalIdentity is what a provider tells us about the person logging in.
type ExternalIdentity struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
}

// ExternalProvider is an OAuth2 authorization-code identity provider.
type ExternalProvider interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	GetUserInfo(ctx context.Context, accessToken string) (*ExternalIdentity, error)
}

type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	AuthURL         string
	OAuthBaseURL    string
	UserInfoBaseURL string
}

type GoogleProvider struct {
	config     GoogleConfig
	httpClient *http.Client
}

func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	}
	if config.OAuthBaseURL == "" {
		config.OAuthBaseURL = "https://oauth2.googleapis.com"
	}
	if config.UserInfoBaseURL == "" {
		config.UserInfoBaseURL = "https://www.googleapis.com"
	}
	return &GoogleProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (g *GoogleProvider) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", g.config.ClientID)
	q.Set("redirect_uri", g.config.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	q.Set("state", state)
	q.Set("prompt", "select_account")
	return g.config.AuthURL + "?" + q.Encode()
}

func (g *GoogleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", g.config.ClientID)
	data.Set("client_secret", g.config.ClientSecret)
	data.Set("redirect_uri", g.config.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.OAuthBaseURL+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderTokenExchange, resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderTokenExchange, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrProviderTokenExchange)
	}
	return tokenResp.AccessToken, nil
}

func (g *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (*ExternalIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.UserInfoBaseURL+"/oauth2/v2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUserInfo, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUserInfo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderUserInfo, resp.StatusCode, string(body))
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUserInfo, err)
	}
	return &ExternalIdentity{
		ProviderUserID: info.ID,
		Email:          info.Email,
		EmailVerified:  info.VerifiedEmail,
		Name:           info.Name,
		Picture:        info.Picture,
	}, nil
}

// ExternalLogin resolves id to a local account and starts a session.
// Lookup order is provider id, then email (linking the provider id onto
// the existing account), then a new account. Linking and creating both
// require the provider to have verified the email.
func (a *App) ExternalLogin(ctx context.Context, id *ExternalIdentity) (*User, TokenPair, error) {
	if id == nil || id.ProviderUserID == "" || id.Email == "" {
		return nil, TokenPair{}, ErrIncompleteIdentity
	}

	u, err := a.DB.GetUserByGoogleID(ctx, id.ProviderUserID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		u, err = a.linkOrCreate(ctx, id)
		if err != nil {
			return nil, TokenPair{}, err
		}
	default:
		return nil, TokenPair{}, err
	}

	pair, err := a.issueSession(ctx, u)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return u, pair, nil
}

func (a *App) linkOrCreate(ctx context.Context, id *ExternalIdentity) (*User, error) {
	if !id.EmailVerified {
		return nil, ErrUnverifiedEmail
	}
	u, err := a.DB.GetUserByEmail(ctx, id.Email)
	if err == nil {
		u.GoogleID = id.ProviderUserID
		if u.ProfileImage == "" {
			u.ProfileImage = id.Picture
		}
		if err := a.DB.SaveUser(ctx, u); err != nil {
			return nil, fmt.Errorf("linking google account: %w", err)
		}
		a.Log.InfoContext(ctx, "linked google account", "user_id", u.ID)
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	base := usernameBase(id.Email)
	candidate := base
	if _, err := a.DB.GetUserByUsername(ctx, candidate); err == nil {
		candidate = withDigits(base)
	}
	for attempt := 0; attempt < 5; attempt++ {
		u = &User{
			Username:     candidate,
			Email:        id.Email,
			GoogleID:     id.ProviderUserID,
			ProfileImage: id.Picture,
		}
		err = a.DB.CreateUser(ctx, u)
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.Field == "username" {
			candidate = withDigits(base)
			continue
		}
		if err != nil {
			return nil, err
		}
		a.Log.InfoContext(ctx, "user registered via google", "user_id", u.ID)
		return u, nil
	}
	return nil, fmt.Errorf("could not find a free username for %q: %w", base, err)
}

// usernameBase derives a handle from the local part of an email address.
func usernameBase(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 24 {
		s = s[:24]
	}
	if len(s) < 3 {
		s = "user" + s
	}
	return s
}

func withDigits(base string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		n = big.NewInt(time.Now().UnixNano() % 10000)
	}
	return fmt.Sprintf("%s%04d", base, n.Int64())
}
