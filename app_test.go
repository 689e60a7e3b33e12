package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	cfg "github.com/arielaviv/codeshare-platform/internal/config"
	"github.com/stretchr/testify/require"
)

func testConfig() *cfg.Config {
	return &cfg.Config{
		Env:                "test",
		AccessTokenSecret:  "test-access-secret",
		RefreshTokenSecret: "test-refresh-secret",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
		ClientURL:          "http://client.test",
		CORSOrigins:        []string{"http://client.test"},
		AIRateLimit:        3,
		AIRateWindow:       time.Hour,
	}
}

type fakeExplainer struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeExplainer) Explain(_ context.Context, language, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeExplainer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAvatars struct{}

func (fakeAvatars) PresignUpload(_ context.Context, userID, contentType string) (string, string, error) {
	key, err := avatarKey(userID, contentType)
	if err != nil {
		return "", "", err
	}
	return key, "https://upload.test/" + key + "?sig=x", nil
}

func (fakeAvatars) PublicURL(key string) string { return "https://cdn.test/" + key }

type testApp struct {
	*App
	db        *MemDB
	explainer *fakeExplainer
	handler   http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	db := NewMemoryDB()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := NewApp(testConfig(), db, log)
	ex := &fakeExplainer{text: "It prints hello."}
	app.Explainer = ex
	app.Avatars = fakeAvatars{}
	return &testApp{App: app, db: db, explainer: ex, handler: app.Router()}
}

func (ta *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// register creates an account through the API and returns its tokens.
func (ta *testApp) register(t *testing.T, username string) authTestResponse {
	t.Helper()
	rec := ta.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[authTestResponse](t, rec)
}

func (ta *testApp) createPost(t *testing.T, token, title string) postView {
	t.Helper()
	rec := ta.do(t, "POST", "/api/posts", token, map[string]string{
		"title":    title,
		"code":     fmt.Sprintf("print(%q)", title),
		"language": "python",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[postView](t, rec)
}

type authTestResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	User         userView `json:"user"`
}
