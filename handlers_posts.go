package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

type postRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Code        string `json:"code" validate:"required,max=50000"`
	Language    string `json:"language" validate:"max=40"`
	Description string `json:"description" validate:"max=2000"`
}

type likeResponse struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"likeCount"`
}

type explainResponse struct {
	Explanation string `json:"explanation"`
	Cached      bool   `json:"cached"`
}

// paging reads page and limit from the query string. On failure the 400 is
// already written.
func paging(w http.ResponseWriter, r *http.Request) (pageNum, limit int, ok bool) {
	pageNum, limit = 1, defaultPageSize
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeFieldError(w, http.StatusBadRequest, "VALIDATION_FAILED", "page must be a positive integer", "page")
			return 0, 0, false
		}
		pageNum = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			writeFieldError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be between 1 and 50", "limit")
			return 0, 0, false
		}
		limit = n
	}
	return pageNum, limit, true
}

// authorNames caches username lookups for the duration of one response.
type authorNames struct {
	db    DB
	names map[string]string
}

func newAuthorNames(db DB) *authorNames {
	return &authorNames{db: db, names: map[string]string{}}
}

func (n *authorNames) get(ctx context.Context, id string) string {
	if name, ok := n.names[id]; ok {
		return name
	}
	name := ""
	if u, err := n.db.GetUserByID(ctx, id); err == nil {
		name = u.Username
	}
	n.names[id] = name
	return name
}

func (a *App) viewPost(ctx context.Context, p *Post, viewer *User, names *authorNames) (postView, error) {
	v := postView{
		ID:           p.ID,
		AuthorID:     p.AuthorID,
		Author:       names.get(ctx, p.AuthorID),
		Title:        p.Title,
		Code:         p.Code,
		Language:     p.Language,
		Description:  p.Description,
		Explanation:  p.Explanation,
		LikeCount:    p.LikeCount,
		CommentCount: p.CommentCount,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if viewer != nil {
		v.IsOwner = viewer.ID == p.AuthorID
		liked, err := a.DB.HasLiked(ctx, p.ID, viewer.ID)
		if err != nil {
			return postView{}, err
		}
		v.LikedByMe = liked
	}
	return v, nil
}

func (a *App) writePostPage(w http.ResponseWriter, r *http.Request, f PostFilter) {
	posts, total, err := a.DB.ListPosts(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, r, err, "posts")
		return
	}
	viewer, _ := UserFromContext(r.Context())
	names := newAuthorNames(a.DB)
	out := page[postView]{Items: make([]postView, 0, len(posts)), Page: f.Page, Limit: f.Limit, Total: total}
	for _, p := range posts {
		v, err := a.viewPost(r.Context(), p, viewer, names)
		if err != nil {
			a.writeStoreError(w, r, err, "post")
			return
		}
		out.Items = append(out.Items, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleListPosts(w http.ResponseWriter, r *http.Request) {
	pageNum, limit, ok := paging(w, r)
	if !ok {
		return
	}
	f := PostFilter{Language: r.URL.Query().Get("language"), Page: pageNum, Limit: limit}
	if author := r.URL.Query().Get("author"); author != "" {
		u, err := a.DB.GetUserByUsername(r.Context(), author)
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusOK, page[postView]{Items: []postView{}, Page: pageNum, Limit: limit})
			return
		}
		if err != nil {
			a.writeStoreError(w, r, err, "user")
			return
		}
		f.AuthorID = u.ID
	}
	a.writePostPage(w, r, f)
}

func (a *App) HandleGetPost(w http.ResponseWriter, r *http.Request) {
	p, err := a.DB.GetPost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	viewer, _ := UserFromContext(r.Context())
	v, err := a.viewPost(r.Context(), p, viewer, newAuthorNames(a.DB))
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *App) HandleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, _ := UserFromContext(r.Context())
	p := &Post{
		AuthorID:    u.ID,
		Title:       req.Title,
		Code:        req.Code,
		Language:    req.Language,
		Description: req.Description,
	}
	if err := a.DB.CreatePost(r.Context(), p); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	v, err := a.viewPost(r.Context(), p, u, newAuthorNames(a.DB))
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ownedPost loads the post named in the path and checks the caller wrote it.
func (a *App) ownedPost(w http.ResponseWriter, r *http.Request) (*Post, *User, bool) {
	p, err := a.DB.GetPost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return nil, nil, false
	}
	u, _ := UserFromContext(r.Context())
	if p.AuthorID != u.ID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Only the author can change this post")
		return nil, nil, false
	}
	return p, u, true
}

func (a *App) HandleUpdatePost(w http.ResponseWriter, r *http.Request) {
	p, u, ok := a.ownedPost(w, r)
	if !ok {
		return
	}
	var req postRequest
	if !a.decode(w, r, &req) {
		return
	}
	p.Title = req.Title
	p.Code = req.Code
	p.Language = req.Language
	p.Description = req.Description
	if err := a.DB.UpdatePost(r.Context(), p); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	v, err := a.viewPost(r.Context(), p, u, newAuthorNames(a.DB))
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *App) HandleDeletePost(w http.ResponseWriter, r *http.Request) {
	p, _, ok := a.ownedPost(w, r)
	if !ok {
		return
	}
	if err := a.DB.DeletePost(r.Context(), p.ID); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) HandleLikePost(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	n, err := a.DB.LikePost(r.Context(), mux.Vars(r)["id"], u.ID)
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusOK, likeResponse{Liked: true, LikeCount: n})
}

func (a *App) HandleUnlikePost(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	n, err := a.DB.UnlikePost(r.Context(), mux.Vars(r)["id"], u.ID)
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusOK, likeResponse{Liked: false, LikeCount: n})
}

// HandleExplain returns the cached explanation or asks the explainer for one.
func (a *App) HandleExplain(w http.ResponseWriter, r *http.Request) {
	if a.Explainer == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED", "AI explanations are not configured")
		return
	}
	p, err := a.DB.GetPost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	if p.Explanation != "" {
		writeJSON(w, http.StatusOK, explainResponse{Explanation: p.Explanation, Cached: true})
		return
	}

	text, err := a.Explainer.Explain(r.Context(), p.Language, p.Code)
	if err != nil {
		a.Log.WarnContext(r.Context(), "explainer failed", "post_id", p.ID, "err", err)
		writeError(w, http.StatusBadGateway, "AI_UNAVAILABLE", "Could not generate an explanation right now")
		return
	}
	if err := a.DB.SetPostExplanation(r.Context(), p.ID, text); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusOK, explainResponse{Explanation: text})
}
