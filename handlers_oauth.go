package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const oauthStateCookie = "oauth_state"

func (a *App) oauthCallbackURL(fragment url.Values) string {
	return strings.TrimRight(a.Config.ClientURL, "/") + "/oauth/callback#" + fragment.Encode()
}

func (a *App) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/api/auth/google",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.Config.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleGoogleLogin sends the browser to the consent screen.
func (a *App) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if a.Google == nil {
		writeError(w, http.StatusServiceUnavailable, "OAUTH_NOT_CONFIGURED", "Google login is not configured")
		return
	}
	state, err := genToken(16)
	if err != nil {
		a.Log.ErrorContext(r.Context(), "generating oauth state", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	a.setStateCookie(w, state, 600)
	http.Redirect(w, r, a.Google.AuthCodeURL(state), http.StatusFound)
}

// HandleGoogleCallback finishes the code flow and hands the token pair to
// the client in the URL fragment, which never reaches a server log.
func (a *App) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if a.Google == nil {
		writeError(w, http.StatusServiceUnavailable, "OAUTH_NOT_CONFIGURED", "Google login is not configured")
		return
	}
	fail := func(reason string) {
		http.Redirect(w, r, a.oauthCallbackURL(url.Values{"error": {reason}}), http.StatusFound)
	}

	q := r.URL.Query()
	cookie, err := r.Cookie(oauthStateCookie)
	a.setStateCookie(w, "", -1)
	if err != nil || q.Get("state") == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(q.Get("state"))) != 1 {
		a.Log.DebugContext(r.Context(), "oauth state mismatch")
		fail("invalid_state")
		return
	}
	if e := q.Get("error"); e != "" {
		fail(e)
		return
	}
	code := q.Get("code")
	if code == "" {
		fail("missing_code")
		return
	}

	token, err := a.Google.ExchangeCode(r.Context(), code)
	if err != nil {
		a.Log.WarnContext(r.Context(), "google code exchange failed", "err", err)
		fail("exchange_failed")
		return
	}
	info, err := a.Google.GetUserInfo(r.Context(), token)
	if err != nil {
		a.Log.WarnContext(r.Context(), "google userinfo failed", "err", err)
		fail("userinfo_failed")
		return
	}
	_, pair, err := a.ExternalLogin(r.Context(), info)
	if errors.Is(err, ErrUnverifiedEmail) {
		a.Log.WarnContext(r.Context(), "google login with unverified email refused", "google_id", info.ProviderUserID)
		fail("unverified_email")
		return
	}
	if err != nil {
		a.Log.ErrorContext(r.Context(), "external login failed", "err", err)
		fail("login_failed")
		return
	}

	http.Redirect(w, r, a.oauthCallbackURL(url.Values{
		"accessToken":  {pair.AccessToken},
		"refreshToken": {pair.RefreshToken},
	}), http.StatusFound)
}
