package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures what differs between the SQL adapters.
type dialect struct {
	name string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// uniqueField returns the user column a unique violation hit, or "".
	uniqueField func(err error) string
}

// sqlStore implements DB over database/sql. Timestamps are stored as unix
// nanoseconds so both adapters share one schema shape.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

const userColumns = `id,username,email,password_hash,google_id,profile_image,bio,refresh_token,created_at,updated_at`

const postColumns = `id,author_id,title,code,language,description,explanation,like_count,comment_count,created_at,updated_at`

// rebind rewrites ? placeholders for the dialect.
func (s *sqlStore) rebind(q string) string {
	if s.d.placeholder == nil {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q DBTX, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if s.d.uniqueField != nil {
		if f := s.d.uniqueField(err); f != "" {
			return &ConflictError{Field: f}
		}
	}
	return err
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlStore) Close() error                   { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var googleID sql.NullString
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &googleID, &u.ProfileImage, &u.Bio, &u.RefreshToken, &created, &updated); err != nil {
		return nil, err
	}
	u.GoogleID = googleID.String
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx, s.db, `INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, nullString(u.GoogleID), u.ProfileImage, u.Bio, u.RefreshToken, now.UnixNano(), now.UnixNano())
	if err != nil {
		return s.mapErr(err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (s *sqlStore) getUser(ctx context.Context, where string, args ...interface{}) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE `+where), args...)
	u, err := scanUser(row)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `email = ?`, email)
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `username = ?`, username)
}

func (s *sqlStore) GetUserByGoogleID(ctx context.Context, googleID string) (*User, error) {
	if googleID == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, `google_id = ?`, googleID)
}

func (s *sqlStore) FindUserByEmailOrUsername(ctx context.Context, email, username string) (*User, error) {
	return s.getUser(ctx, `email = ? OR username = ? LIMIT 1`, email, username)
}

func (s *sqlStore) SaveUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, s.db, `UPDATE users SET username = ?, email = ?, google_id = ?, profile_image = ?, bio = ?, updated_at = ? WHERE id = ?`,
		u.Username, u.Email, nullString(u.GoogleID), u.ProfileImage, u.Bio, now.UnixNano(), u.ID)
	if err != nil {
		return s.mapErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	u.UpdatedAt = now
	return nil
}

func (s *sqlStore) SetRefreshToken(ctx context.Context, userID, token string) error {
	res, err := s.exec(ctx, s.db, `UPDATE users SET refresh_token = ? WHERE id = ?`, token, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqlStore) RotateRefreshToken(ctx context.Context, userID, old, next string) error {
	if old == "" {
		return ErrNotFound
	}
	res, err := s.exec(ctx, s.db, `UPDATE users SET refresh_token = ? WHERE id = ? AND refresh_token = ?`, next, userID, old)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqlStore) DeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			// likes and comments the user left on other posts
			`UPDATE posts SET like_count = like_count - 1 WHERE id IN (SELECT post_id FROM likes WHERE user_id = ?)`,
			`DELETE FROM likes WHERE user_id = ?`,
			`UPDATE posts SET comment_count = comment_count - (SELECT COUNT(*) FROM comments c WHERE c.post_id = posts.id AND c.author_id = ?) WHERE id IN (SELECT post_id FROM comments WHERE author_id = ?)`,
			`DELETE FROM comments WHERE author_id = ?`,
			// the user's own posts
			`DELETE FROM likes WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`,
			`DELETE FROM comments WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`,
			`DELETE FROM posts WHERE author_id = ?`,
		}
		for _, q := range stmts {
			args := []interface{}{id}
			if strings.Count(q, "?") == 2 {
				args = append(args, id)
			}
			if _, err := s.exec(ctx, tx, q, args...); err != nil {
				return err
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var created, updated int64
	if err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Code, &p.Language, &p.Description, &p.Explanation, &p.LikeCount, &p.CommentCount, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (s *sqlStore) CreatePost(ctx context.Context, p *Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx, s.db, `INSERT INTO posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,0,0,?,?)`,
		p.ID, p.AuthorID, p.Title, p.Code, p.Language, p.Description, p.Explanation, now.UnixNano(), now.UnixNano())
	if err != nil {
		return s.mapErr(err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	p.LikeCount, p.CommentCount = 0, 0
	return nil
}

func (s *sqlStore) GetPost(ctx context.Context, id string) (*Post, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return p, nil
}

func (s *sqlStore) ListPosts(ctx context.Context, f PostFilter) ([]*Post, int, error) {
	var conds []string
	var args []interface{}
	if f.AuthorID != "" {
		conds = append(conds, `author_id = ?`)
		args = append(args, f.AuthorID)
	}
	if f.Language != "" {
		conds = append(conds, `language = ?`)
		args = append(args, f.Language)
	}
	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM posts`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := f.offset()
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + postColumns + ` FROM posts` + where + ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)
	if limit < 0 && s.d.name == "postgres" {
		q = `SELECT ` + postColumns + ` FROM posts` + where + ` ORDER BY created_at DESC, id DESC OFFSET ` + strconv.Itoa(offset)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	posts := []*Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, p)
	}
	return posts, total, rows.Err()
}

// UpdatePost keeps the stored explanation while code and language are
// unchanged and clears it otherwise, in the same statement.
func (s *sqlStore) UpdatePost(ctx context.Context, p *Post) error {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, s.rebind(`UPDATE posts SET explanation = CASE WHEN code = ? AND language = ? THEN explanation ELSE '' END, `+
		`title = ?, code = ?, language = ?, description = ?, updated_at = ? WHERE id = ? RETURNING explanation`),
		p.Code, p.Language, p.Title, p.Code, p.Language, p.Description, now.UnixNano(), p.ID)
	if err := row.Scan(&p.Explanation); err != nil {
		return s.mapErr(err)
	}
	p.UpdatedAt = now
	return nil
}

func (s *sqlStore) DeletePost(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM likes WHERE post_id = ?`, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM comments WHERE post_id = ?`, id); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM posts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *sqlStore) SetPostExplanation(ctx context.Context, id, explanation string) error {
	res, err := s.exec(ctx, s.db, `UPDATE posts SET explanation = ? WHERE id = ?`, explanation, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqlStore) CreateComment(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE posts SET comment_count = comment_count + 1 WHERE id = ?`, c.PostID)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO comments(id,post_id,author_id,body,created_at) VALUES(?,?,?,?,?)`,
			c.ID, c.PostID, c.AuthorID, c.Body, now.UnixNano())
		return err
	})
	if err != nil {
		return err
	}
	c.CreatedAt = now
	return nil
}

func scanComment(row rowScanner) (*Comment, error) {
	var c Comment
	var created int64
	if err := row.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Body, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	return &c, nil
}

func (s *sqlStore) GetComment(ctx context.Context, id string) (*Comment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id,post_id,author_id,body,created_at FROM comments WHERE id = ?`), id)
	c, err := scanComment(row)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return c, nil
}

func (s *sqlStore) ListComments(ctx context.Context, postID string, page, limit int) ([]*Comment, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM comments WHERE post_id = ?`), postID).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id,post_id,author_id,body,created_at FROM comments WHERE post_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`), postID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	comments := []*Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, 0, err
		}
		comments = append(comments, c)
	}
	return comments, total, rows.Err()
}

func (s *sqlStore) DeleteComment(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var postID string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT post_id FROM comments WHERE id = ?`), id).Scan(&postID); err != nil {
			return s.mapErr(err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM comments WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `UPDATE posts SET comment_count = comment_count - 1 WHERE id = ?`, postID)
		return err
	})
}

// toggleLike inserts or removes the (post, user) pair and moves like_count by
// delta only when the pair actually changed.
func (s *sqlStore) toggleLike(ctx context.Context, postID, userID string, like bool) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT like_count FROM posts WHERE id = ?`), postID).Scan(&count); err != nil {
			return s.mapErr(err)
		}
		var res sql.Result
		var err error
		delta := -1
		if like {
			delta = 1
			res, err = s.exec(ctx, tx, `INSERT INTO likes(post_id,user_id,created_at) VALUES(?,?,?) ON CONFLICT DO NOTHING`, postID, userID, time.Now().UnixNano())
		} else {
			res, err = s.exec(ctx, tx, `DELETE FROM likes WHERE post_id = ? AND user_id = ?`, postID, userID)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := s.exec(ctx, tx, `UPDATE posts SET like_count = like_count + ? WHERE id = ?`, delta, postID); err != nil {
			return err
		}
		count += delta
		return nil
	})
	return count, err
}

func (s *sqlStore) LikePost(ctx context.Context, postID, userID string) (int, error) {
	return s.toggleLike(ctx, postID, userID, true)
}

func (s *sqlStore) UnlikePost(ctx context.Context, postID, userID string) (int, error) {
	return s.toggleLike(ctx, postID, userID, false)
}

func (s *sqlStore) HasLiked(ctx context.Context, postID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM likes WHERE post_id = ? AND user_id = ?`), postID, userID).Scan(&n)
	return n > 0, err
}
