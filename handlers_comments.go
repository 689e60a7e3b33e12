package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

type commentRequest struct {
	Body string `json:"body" validate:"required,max=2000"`
}

func viewComment(c *Comment, author string, viewer *User) commentView {
	return commentView{
		ID:        c.ID,
		PostID:    c.PostID,
		AuthorID:  c.AuthorID,
		Author:    author,
		Body:      c.Body,
		IsOwner:   viewer != nil && viewer.ID == c.AuthorID,
		CreatedAt: c.CreatedAt,
	}
}

func (a *App) HandleListComments(w http.ResponseWriter, r *http.Request) {
	pageNum, limit, ok := paging(w, r)
	if !ok {
		return
	}
	postID := mux.Vars(r)["id"]
	if _, err := a.DB.GetPost(r.Context(), postID); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	comments, total, err := a.DB.ListComments(r.Context(), postID, pageNum, limit)
	if err != nil {
		a.writeStoreError(w, r, err, "comments")
		return
	}
	viewer, _ := UserFromContext(r.Context())
	names := newAuthorNames(a.DB)
	out := page[commentView]{Items: make([]commentView, 0, len(comments)), Page: pageNum, Limit: limit, Total: total}
	for _, c := range comments {
		out.Items = append(out.Items, viewComment(c, names.get(r.Context(), c.AuthorID), viewer))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, _ := UserFromContext(r.Context())
	c := &Comment{PostID: mux.Vars(r)["id"], AuthorID: u.ID, Body: req.Body}
	if err := a.DB.CreateComment(r.Context(), c); err != nil {
		a.writeStoreError(w, r, err, "post")
		return
	}
	writeJSON(w, http.StatusCreated, viewComment(c, u.Username, u))
}

// HandleDeleteComment lets the comment's author or the post's author remove it.
func (a *App) HandleDeleteComment(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	c, err := a.DB.GetComment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, r, err, "comment")
		return
	}
	if c.AuthorID != u.ID {
		p, err := a.DB.GetPost(r.Context(), c.PostID)
		if err != nil {
			a.writeStoreError(w, r, err, "post")
			return
		}
		if p.AuthorID != u.ID {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Only the comment or post author can delete this comment")
			return
		}
	}
	if err := a.DB.DeleteComment(r.Context(), c.ID); err != nil {
		a.writeStoreError(w, r, err, "comment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
