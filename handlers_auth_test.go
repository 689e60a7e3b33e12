package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthFlow_Alice(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "a@x.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decodeBody[authTestResponse](t, rec)
	assert.NotEmpty(t, reg.AccessToken)
	assert.NotEmpty(t, reg.RefreshToken)
	assert.Equal(t, "alice", reg.User.Username)
	assert.True(t, reg.User.IsMe)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "a@x.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decodeBody[TokenPair](t, rec)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, reg.RefreshToken, rotated.RefreshToken)

	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", decodeBody[APIError](t, rec).Code)

	// the rotated token still works
	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": rotated.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegister_Conflicts(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice")

	rec := ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice2", "email": "alice@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[APIError](t, rec)
	assert.Equal(t, "CONFLICT", body.Code)
	assert.Equal(t, "email", body.Field)

	rec = ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "username", decodeBody[APIError](t, rec).Field)

	// both taken by the same account reports the email
	rec = ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email", decodeBody[APIError](t, rec).Field)

	// email matching is exact, so a different case is a different address
	rec = ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice3", "email": "Alice@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegister_Validation(t *testing.T) {
	ta := newTestApp(t)
	cases := map[string]struct {
		body  map[string]string
		field string
	}{
		"missing username":   {map[string]string{"email": "a@x.com", "password": "secret1"}, "username"},
		"bad username":       {map[string]string{"username": "a b", "email": "a@x.com", "password": "secret1"}, "username"},
		"bad email":          {map[string]string{"username": "alice", "email": "nope", "password": "secret1"}, "email"},
		"short password":     {map[string]string{"username": "alice", "email": "a@x.com", "password": "123"}, "password"},
		"multibyte password": {map[string]string{"username": "alice", "email": "a@x.com", "password": strings.Repeat("é", 40)}, "password"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ta.do(t, "POST", "/api/auth/register", "", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody[APIError](t, rec)
			assert.Equal(t, "VALIDATION_FAILED", body.Code)
			assert.Equal(t, tc.field, body.Field)
		})
	}
}

func TestRegister_PasswordAtByteLimit(t *testing.T) {
	ta := newTestApp(t)
	rec := ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "a@x.com", "password": strings.Repeat("é", 36),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "a@x.com", "password": strings.Repeat("é", 36)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin_IdenticalFailures(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice")

	wrongPass := ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong"})
	noUser := ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	assert.Equal(t, wrongPass.Code, noUser.Code)
	assert.JSONEq(t, wrongPass.Body.String(), noUser.Body.String())
	assert.Equal(t, "INVALID_CREDENTIALS", decodeBody[APIError](t, noUser).Code)
}

func TestLogin_GoogleOnlyAccountHasNoPassword(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.db.CreateUser(context.Background(), &User{Username: "g", Email: "g@example.com", GoogleID: "123"}))

	rec := ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "g@example.com", "password": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_OverwritesRefreshToken(t *testing.T) {
	ta := newTestApp(t)
	reg := ta.register(t, "alice")

	rec := ta.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decodeBody[authTestResponse](t, rec)

	stored, err := ta.db.GetUserByID(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, login.RefreshToken, stored.RefreshToken)

	// logging in elsewhere invalidates the first session's refresh token
	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	ta := newTestApp(t)
	reg := ta.register(t, "alice")

	rec := ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// rotatingDB replaces the stored refresh token right after the handler reads
// the user, as a concurrent refresh with the same token would.
type rotatingDB struct {
	*MemDB
	once sync.Once
}

func (d *rotatingDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := d.MemDB.GetUserByID(ctx, id)
	if err == nil {
		d.once.Do(func() { err = d.MemDB.SetRefreshToken(ctx, id, "rotated-elsewhere") })
	}
	return u, err
}

func TestRefresh_ConcurrentRotationLoses(t *testing.T) {
	ta := newTestApp(t)
	reg := ta.register(t, "alice")
	ta.DB = &rotatingDB{MemDB: ta.db}

	rec := ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stored, err := ta.db.GetUserByID(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-elsewhere", stored.RefreshToken)
}

func TestLogoutAndMe(t *testing.T) {
	ta := newTestApp(t)
	reg := ta.register(t, "alice")

	rec := ta.do(t, "GET", "/api/auth/me", reg.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[userView](t, rec)
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "alice@example.com", me.Email)

	rec = ta.do(t, "POST", "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, "POST", "/api/auth/logout", reg.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := ta.db.GetUserByID(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RefreshToken)

	rec = ta.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refreshToken": reg.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
