package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	identity *ExternalIdentity
	err      error
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.test/auth?state=" + state
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "provider-token-" + code, nil
}

func (f *fakeProvider) GetUserInfo(_ context.Context, accessToken string) (*ExternalIdentity, error) {
	return f.identity, nil
}

func TestExternalLogin_CreatesAccount(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	u, pair, err := ta.ExternalLogin(ctx, &ExternalIdentity{ProviderUserID: "g-1", Email: "New.Person+x@gmail.com", EmailVerified: true, Picture: "https://img.test/p.png"})
	require.NoError(t, err)
	assert.Equal(t, "newpersonx", u.Username)
	assert.Equal(t, "g-1", u.GoogleID)
	assert.Empty(t, u.PasswordHash)
	assert.Equal(t, "https://img.test/p.png", u.ProfileImage)

	stored, err := ta.db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, stored.RefreshToken)

	// a second login finds the same account by provider id
	again, _, err := ta.ExternalLogin(ctx, &ExternalIdentity{ProviderUserID: "g-1", Email: "New.Person+x@gmail.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
}

func TestExternalLogin_LinksExistingEmail(t *testing.T) {
	ta := newTestApp(t)
	reg := ta.register(t, "alice")

	u, _, err := ta.ExternalLogin(context.Background(), &ExternalIdentity{ProviderUserID: "g-42", Email: "alice@example.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, u.ID)
	assert.Equal(t, "alice", u.Username)

	stored, err := ta.db.GetUserByGoogleID(context.Background(), "g-42")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, stored.ID)
	assert.NotEmpty(t, stored.PasswordHash, "password login keeps working")

	rec := ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExternalLogin_UsernameCollision(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice")

	u, _, err := ta.ExternalLogin(context.Background(), &ExternalIdentity{ProviderUserID: "g-7", Email: "alice@gmail.com", EmailVerified: true})
	require.NoError(t, err)
	assert.NotEqual(t, "alice", u.Username)
	assert.True(t, strings.HasPrefix(u.Username, "alice"))
	assert.Len(t, u.Username, len("alice")+4)
}

func TestExternalLogin_UnverifiedEmailNeverLinks(t *testing.T) {
	ta := newTestApp(t)
	victim := ta.register(t, "alice")
	ctx := context.Background()

	_, _, err := ta.ExternalLogin(ctx, &ExternalIdentity{ProviderUserID: "g-attacker", Email: "alice@example.com"})
	require.ErrorIs(t, err, ErrUnverifiedEmail)

	_, err = ta.db.GetUserByGoogleID(ctx, "g-attacker")
	assert.ErrorIs(t, err, ErrNotFound)
	stored, err := ta.db.GetUserByID(ctx, victim.User.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.GoogleID)
	assert.Equal(t, victim.RefreshToken, stored.RefreshToken, "no session was issued")

	// nor does it create a fresh account
	_, _, err = ta.ExternalLogin(ctx, &ExternalIdentity{ProviderUserID: "g-new", Email: "new@example.com"})
	require.ErrorIs(t, err, ErrUnverifiedEmail)
	_, err = ta.db.GetUserByEmail(ctx, "new@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExternalLogin_IncompleteIdentity(t *testing.T) {
	ta := newTestApp(t)
	_, _, err := ta.ExternalLogin(context.Background(), &ExternalIdentity{ProviderUserID: "g-1"})
	assert.ErrorIs(t, err, ErrIncompleteIdentity)
}

func TestUsernameBase(t *testing.T) {
	assert.Equal(t, "jane_doe", usernameBase("Jane_Doe@example.com"))
	assert.Equal(t, "userab", usernameBase("a.b@example.com"))
	assert.Len(t, usernameBase(strings.Repeat("x", 40)+"@example.com"), 24)
}

func TestGoogleCallback(t *testing.T) {
	ta := newTestApp(t)
	ta.Google = &fakeProvider{identity: &ExternalIdentity{ProviderUserID: "g-9", Email: "oauth@example.com", EmailVerified: true}}

	rec := ta.do(t, "GET", "/api/auth/google", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, oauthStateCookie, cookies[0].Name)

	req := httptest.NewRequest("GET", "/api/auth/google/callback?code=abc&state="+state, nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.test", loc.Host)
	assert.Equal(t, "/oauth/callback", loc.Path)
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	access := frag.Get("accessToken")
	require.NotEmpty(t, access)
	require.NotEmpty(t, frag.Get("refreshToken"))

	rec = ta.do(t, "GET", "/api/auth/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "oauth", decodeBody[userView](t, rec).Username)
}

func TestGoogleCallback_BadState(t *testing.T) {
	ta := newTestApp(t)
	ta.Google = &fakeProvider{identity: &ExternalIdentity{ProviderUserID: "g-9", Email: "oauth@example.com", EmailVerified: true}}

	req := httptest.NewRequest("GET", "/api/auth/google/callback?code=abc&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "real"})
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	frag, _ := url.ParseQuery(loc.Fragment)
	assert.Equal(t, "invalid_state", frag.Get("error"))
	assert.Empty(t, frag.Get("accessToken"))
}

func TestGoogleCallback_UnverifiedEmail(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice")
	ta.Google = &fakeProvider{identity: &ExternalIdentity{ProviderUserID: "g-attacker", Email: "alice@example.com"}}

	req := httptest.NewRequest("GET", "/api/auth/google/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s1"})
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	frag, _ := url.ParseQuery(loc.Fragment)
	assert.Equal(t, "unverified_email", frag.Get("error"))
	assert.Empty(t, frag.Get("accessToken"))
}

func TestGoogleNotConfigured(t *testing.T) {
	ta := newTestApp(t)
	rec := ta.do(t, "GET", "/api/auth/google", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("code") != "good" || r.PostForm.Get("client_secret") != "shh" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-1", "expires_in": 3600, "token_type": "Bearer"})
		case "/oauth2/v2/userinfo":
			if r.Header.Get("Authorization") != "Bearer at-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "g-123", "email": "p@example.com", "verified_email": true, "name": "P", "picture": "https://img.test/p"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGoogleProvider(GoogleConfig{
		ClientID:        "cid",
		ClientSecret:    "shh",
		RedirectURI:     "http://localhost/cb",
		OAuthBaseURL:    srv.URL,
		UserInfoBaseURL: srv.URL,
	})

	authURL, err := url.Parse(g.AuthCodeURL("st"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", authURL.Host)
	assert.Equal(t, "st", authURL.Query().Get("state"))
	assert.Equal(t, "cid", authURL.Query().Get("client_id"))

	tok, err := g.ExchangeCode(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)

	_, err = g.ExchangeCode(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrProviderTokenExchange)

	info, err := g.GetUserInfo(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, &ExternalIdentity{ProviderUserID: "g-123", Email: "p@example.com", EmailVerified: true, Name: "P", Picture: "https://img.test/p"}, info)

	_, err = g.GetUserInfo(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrProviderUserInfo)
}
