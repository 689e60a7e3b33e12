package main

import "time"

// User is an account. PasswordHash is empty for accounts created through
// Google; GoogleID is empty for accounts that never linked one.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	GoogleID     string
	ProfileImage string
	Bio          string
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Post is a shared code snippet. Explanation caches the AI output.
type Post struct {
	ID           string
	AuthorID     string
	Title        string
	Code         string
	Language     string
	Description  string
	Explanation  string
	LikeCount    int
	CommentCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Comment struct {
	ID        string
	PostID    string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// PostFilter narrows ListPosts. Zero values mean "any".
type PostFilter struct {
	AuthorID string
	Language string
	Page     int
	Limit    int
}

func (f PostFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

// userView is the public JSON shape of a user. It never carries the
// password hash or refresh token.
type userView struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	ProfileImage string    `json:"profileImage,omitempty"`
	Bio          string    `json:"bio"`
	HasGoogle    bool      `json:"hasGoogle,omitempty"`
	IsMe         bool      `json:"isMe"`
	CreatedAt    time.Time `json:"createdAt"`
}

// viewUser renders u for viewer. Email is only shown to the owner.
func viewUser(u *User, viewer *User) userView {
	v := userView{
		ID:           u.ID,
		Username:     u.Username,
		ProfileImage: u.ProfileImage,
		Bio:          u.Bio,
		CreatedAt:    u.CreatedAt,
	}
	if viewer != nil && viewer.ID == u.ID {
		v.IsMe = true
		v.Email = u.Email
		v.HasGoogle = u.GoogleID != ""
	}
	return v
}

type postView struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	Author       string    `json:"author,omitempty"`
	Title        string    `json:"title"`
	Code         string    `json:"code"`
	Language     string    `json:"language"`
	Description  string    `json:"description"`
	Explanation  string    `json:"explanation,omitempty"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	LikedByMe    bool      `json:"likedByMe"`
	IsOwner      bool      `json:"isOwner"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type commentView struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	IsOwner   bool      `json:"isOwner"`
	CreatedAt time.Time `json:"createdAt"`
}

// page is the envelope for paginated listings.
type page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}
