package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

type updateProfileRequest struct {
	Username *string `json:"username" validate:"omitempty,username"`
	Bio      *string `json:"bio" validate:"omitempty,max=500"`
}

type avatarRequest struct {
	ContentType string `json:"contentType" validate:"required,oneof=image/png image/jpeg image/gif image/webp"`
}

type avatarResponse struct {
	UploadURL    string `json:"uploadUrl"`
	Key          string `json:"key"`
	ProfileImage string `json:"profileImage"`
}

// renderUser is viewUser with the stored avatar key turned into a URL.
func (a *App) renderUser(u, viewer *User) userView {
	v := viewUser(u, viewer)
	v.ProfileImage = a.avatarURL(u.ProfileImage)
	return v
}

func (a *App) avatarURL(key string) string {
	if key == "" || a.Avatars == nil || strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	return a.Avatars.PublicURL(key)
}

func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.DB.GetUserByUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	viewer, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, a.renderUser(u, viewer))
}

func (a *App) HandleUserPosts(w http.ResponseWriter, r *http.Request) {
	pageNum, limit, ok := paging(w, r)
	if !ok {
		return
	}
	u, err := a.DB.GetUserByUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	a.writePostPage(w, r, PostFilter{AuthorID: u.ID, Page: pageNum, Limit: limit})
}

func (a *App) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, _ := UserFromContext(r.Context())
	if req.Username != nil {
		u.Username = *req.Username
	}
	if req.Bio != nil {
		u.Bio = *req.Bio
	}
	if err := a.DB.SaveUser(r.Context(), u); err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, a.renderUser(u, u))
}

// HandleAvatarUpload returns a presigned PUT URL and records the object key
// as the caller's profile image.
func (a *App) HandleAvatarUpload(w http.ResponseWriter, r *http.Request) {
	if a.Avatars == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_NOT_CONFIGURED", "Avatar uploads are not configured")
		return
	}
	var req avatarRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, _ := UserFromContext(r.Context())
	key, uploadURL, err := a.Avatars.PresignUpload(r.Context(), u.ID, req.ContentType)
	if err != nil {
		a.Log.ErrorContext(r.Context(), "presigning avatar upload", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	u.ProfileImage = key
	if err := a.DB.SaveUser(r.Context(), u); err != nil {
		a.writeStoreError(w, r, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, avatarResponse{UploadURL: uploadURL, Key: key, ProfileImage: a.avatarURL(key)})
}

func (a *App) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	if err := a.DB.DeleteUser(r.Context(), u.ID); err != nil && !errors.Is(err, ErrNotFound) {
		a.writeStoreError(w, r, err, "user")
		return
	}
	a.Log.InfoContext(r.Context(), "account deleted", "user_id", u.ID)
	w.WriteHeader(http.StatusNoContent)
}
