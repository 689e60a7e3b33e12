package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DB interface for database operations
type DB interface {
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (*User, error)
	FindUserByEmailOrUsername(ctx context.Context, email, username string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
	SetRefreshToken(ctx context.Context, userID, token string) error
	// RotateRefreshToken swaps old for next only while old is still the
	// stored token, returning ErrNotFound otherwise.
	RotateRefreshToken(ctx context.Context, userID, old, next string) error
	DeleteUser(ctx context.Context, id string) error
	// Post operations
	CreatePost(ctx context.Context, p *Post) error
	GetPost(ctx context.Context, id string) (*Post, error)
	ListPosts(ctx context.Context, f PostFilter) ([]*Post, int, error)
	// UpdatePost writes the editable fields. The stored explanation survives
	// only when code and language are unchanged; p.Explanation is set to the
	// result and never written.
	UpdatePost(ctx context.Context, p *Post) error
	DeletePost(ctx context.Context, id string) error
	SetPostExplanation(ctx context.Context, id, explanation string) error
	// Comment operations
	CreateComment(ctx context.Context, c *Comment) error
	GetComment(ctx context.Context, id string) (*Comment, error)
	ListComments(ctx context.Context, postID string, page, limit int) ([]*Comment, int, error)
	DeleteComment(ctx context.Context, id string) error
	// Like operations
	LikePost(ctx context.Context, postID, userID string) (int, error)
	UnlikePost(ctx context.Context, postID, userID string) (int, error)
	HasLiked(ctx context.Context, postID, userID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

type likeKey struct{ postID, userID string }

// Memory DB
type MemDB struct {
	mu       sync.RWMutex
	users    map[string]*User
	posts    map[string]*Post
	comments map[string]*Comment
	likes    map[likeKey]struct{}
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:    map[string]*User{},
		posts:    map[string]*Post{},
		comments: map[string]*Comment{},
		likes:    map[likeKey]struct{}{},
	}
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

// conflictFor reports which unique field u would collide on. Caller holds mu.
func (m *MemDB) conflictFor(u *User) error {
	for _, o := range m.users {
		if o.ID == u.ID {
			continue
		}
		switch {
		case o.Username == u.Username:
			return &ConflictError{Field: "username"}
		case o.Email == u.Email:
			return &ConflictError{Field: "email"}
		case u.GoogleID != "" && o.GoogleID == u.GoogleID:
			return &ConflictError{Field: "googleId"}
		}
	}
	return nil
}

func (m *MemDB) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := m.conflictFor(u); err != nil {
		return err
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemDB) findUser(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Email == email })
}

func (m *MemDB) GetUserByUsername(_ context.Context, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Username == username })
}

func (m *MemDB) GetUserByGoogleID(_ context.Context, googleID string) (*User, error) {
	if googleID == "" {
		return nil, ErrNotFound
	}
	return m.findUser(func(u *User) bool { return u.GoogleID == googleID })
}

func (m *MemDB) FindUserByEmailOrUsername(_ context.Context, email, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Email == email || u.Username == username })
}

func (m *MemDB) SaveUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if err := m.conflictFor(u); err != nil {
		return err
	}
	cur.Username = u.Username
	cur.Email = u.Email
	cur.GoogleID = u.GoogleID
	cur.ProfileImage = u.ProfileImage
	cur.Bio = u.Bio
	cur.UpdatedAt = time.Now().UTC()
	u.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *MemDB) SetRefreshToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RefreshToken = token
	return nil
}

func (m *MemDB) RotateRefreshToken(_ context.Context, userID, old, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || old == "" || u.RefreshToken != old {
		return ErrNotFound
	}
	u.RefreshToken = next
	return nil
}

func (m *MemDB) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	for pid, p := range m.posts {
		if p.AuthorID == id {
			m.deletePostLocked(pid)
		}
	}
	for cid, c := range m.comments {
		if c.AuthorID == id {
			m.deleteCommentLocked(cid)
		}
	}
	for k := range m.likes {
		if k.userID == id {
			delete(m.likes, k)
			if p, ok := m.posts[k.postID]; ok {
				p.LikeCount--
			}
		}
	}
	delete(m.users, id)
	return nil
}

func (m *MemDB) CreatePost(_ context.Context, p *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.posts[p.ID] = &cp
	return nil
}

func (m *MemDB) GetPost(_ context.Context, id string) (*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemDB) ListPosts(_ context.Context, f PostFilter) ([]*Post, int, error) {
	m.mu.RLock()
	var all []*Post
	for _, p := range m.posts {
		if f.AuthorID != "" && p.AuthorID != f.AuthorID {
			continue
		}
		if f.Language != "" && p.Language != f.Language {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return window(all, f.offset(), f.Limit), len(all), nil
}

func (m *MemDB) UpdatePost(_ context.Context, p *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.posts[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Code != p.Code || cur.Language != p.Language {
		cur.Explanation = ""
	}
	cur.Title = p.Title
	cur.Code = p.Code
	cur.Language = p.Language
	cur.Description = p.Description
	cur.UpdatedAt = time.Now().UTC()
	p.Explanation = cur.Explanation
	p.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *MemDB) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return ErrNotFound
	}
	m.deletePostLocked(id)
	return nil
}

func (m *MemDB) deletePostLocked(id string) {
	for cid, c := range m.comments {
		if c.PostID == id {
			delete(m.comments, cid)
		}
	}
	for k := range m.likes {
		if k.postID == id {
			delete(m.likes, k)
		}
	}
	delete(m.posts, id)
}

func (m *MemDB) SetPostExplanation(_ context.Context, id, explanation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.Explanation = explanation
	return nil
}

func (m *MemDB) CreateComment(_ context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[c.PostID]
	if !ok {
		return ErrNotFound
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.comments[c.ID] = &cp
	p.CommentCount++
	return nil
}

func (m *MemDB) GetComment(_ context.Context, id string) (*Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemDB) ListComments(_ context.Context, postID string, page, limit int) ([]*Comment, int, error) {
	m.mu.RLock()
	var all []*Comment
	for _, c := range m.comments {
		if c.PostID == postID {
			cp := *c
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return window(all, (page-1)*limit, limit), len(all), nil
}

func (m *MemDB) DeleteComment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[id]; !ok {
		return ErrNotFound
	}
	m.deleteCommentLocked(id)
	return nil
}

func (m *MemDB) deleteCommentLocked(id string) {
	c, ok := m.comments[id]
	if !ok {
		return
	}
	if p, ok := m.posts[c.PostID]; ok {
		p.CommentCount--
	}
	delete(m.comments, id)
}

func (m *MemDB) LikePost(_ context.Context, postID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return 0, ErrNotFound
	}
	k := likeKey{postID, userID}
	if _, liked := m.likes[k]; !liked {
		m.likes[k] = struct{}{}
		p.LikeCount++
	}
	return p.LikeCount, nil
}

func (m *MemDB) UnlikePost(_ context.Context, postID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return 0, ErrNotFound
	}
	k := likeKey{postID, userID}
	if _, liked := m.likes[k]; liked {
		delete(m.likes, k)
		p.LikeCount--
	}
	return p.LikeCount, nil
}

func (m *MemDB) HasLiked(_ context.Context, postID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.likes[likeKey{postID, userID}]
	return ok, nil
}

func window[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
