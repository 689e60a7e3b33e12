package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,username"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,maxbytes=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type authResponse struct {
	TokenPair
	User userView `json:"user"`
}

// issueSession mints a token pair for u and stores the refresh half,
// replacing whatever session u had before.
func (a *App) issueSession(ctx context.Context, u *User) (TokenPair, error) {
	pair, err := a.Tokens.IssueTokenPair(u.ID, u.Username)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issuing tokens: %w", err)
	}
	if err := a.DB.SetRefreshToken(ctx, u.ID, pair.RefreshToken); err != nil {
		return TokenPair{}, fmt.Errorf("storing refresh token: %w", err)
	}
	u.RefreshToken = pair.RefreshToken
	return pair, nil
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}

	// reject a taken email or username before paying for bcrypt; CreateUser
	// still reports a conflict if a concurrent registration wins
	existing, err := a.DB.FindUserByEmailOrUsername(r.Context(), req.Email, req.Username)
	switch {
	case err == nil:
		field := "username"
		if existing.Email == req.Email {
			field = "email"
		}
		a.writeStoreError(w, r, &ConflictError{Field: field}, "user")
		return
	case !errors.Is(err, ErrNotFound):
		a.writeStoreError(w, r, err, "user")
		return
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		a.Log.ErrorContext(r.Context(), "hashing password", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	u := &User{Username: req.Username, Email: req.Email, PasswordHash: hashed}
	if err := a.DB.CreateUser(r.Context(), u); err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}

	pair, err := a.issueSession(r.Context(), u)
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	a.Log.InfoContext(r.Context(), "user registered", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, authResponse{TokenPair: pair, User: a.renderUser(u, u)})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}

	u, err := a.DB.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.writeStoreError(w, r, err, "user")
		return
	}
	if err := checkCredentials(u, req.Password); err != nil {
		writeInvalidCredentials(w)
		return
	}

	pair, err := a.issueSession(r.Context(), u)
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{TokenPair: pair, User: a.renderUser(u, u)})
}

// HandleRefresh rotates the session. The presented token must be the one
// stored on the user, so a token that was already rotated away fails. The
// swap is conditional on the stored value, so of two concurrent refreshes
// with the same token only one succeeds.
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}

	claims, err := a.Tokens.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		a.Log.DebugContext(r.Context(), "refresh rejected", "cause", err)
		writeUnauthenticated(w)
		return
	}
	u, err := a.DB.GetUserByID(r.Context(), claims.UserID)
	if errors.Is(err, ErrNotFound) {
		a.Log.DebugContext(r.Context(), "refresh rejected", "cause", "user no longer exists", "user_id", claims.UserID)
		writeUnauthenticated(w)
		return
	}
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	if u.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(u.RefreshToken), []byte(req.RefreshToken)) != 1 {
		a.Log.DebugContext(r.Context(), "refresh rejected", "cause", "token does not match stored session", "user_id", u.ID)
		writeUnauthenticated(w)
		return
	}

	pair, err := a.Tokens.IssueTokenPair(u.ID, u.Username)
	if err != nil {
		a.Log.ErrorContext(r.Context(), "issuing tokens", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue tokens")
		return
	}
	err = a.DB.RotateRefreshToken(r.Context(), u.ID, req.RefreshToken, pair.RefreshToken)
	if errors.Is(err, ErrNotFound) {
		a.Log.DebugContext(r.Context(), "refresh rejected", "cause", "session rotated concurrently", "user_id", u.ID)
		writeUnauthenticated(w)
		return
	}
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	if err := a.DB.SetRefreshToken(r.Context(), u.ID, ""); err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, a.renderUser(u, u))
}
