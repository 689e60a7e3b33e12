package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cfg "github.com/arielaviv/codeshare-platform/internal/config"
	"github.com/arielaviv/codeshare-platform/internal/dbmigrate"
	"github.com/gorilla/mux"
)

type App struct {
	DB        DB
	Tokens    *TokenService
	Log       *slog.Logger
	Config    *cfg.Config
	Limiter   Limiter
	Explainer Explainer
	Avatars   AvatarStore
	Google    ExternalProvider

	validator *Validator
	throttle  *IPThrottle
}

// NewApp wires the parts every deployment needs. Optional collaborators
// (Limiter, Explainer, Avatars, Google) are set by the caller.
func NewApp(c *cfg.Config, db DB, log *slog.Logger) *App {
	return &App{
		DB:  db,
		Log: log,
		Tokens: NewTokenService(TokenConfig{
			AccessSecret:  c.AccessTokenSecret,
			RefreshSecret: c.RefreshTokenSecret,
			AccessTTL:     c.AccessTokenTTL,
			RefreshTTL:    c.RefreshTokenTTL,
		}),
		Config:    c,
		Limiter:   NewMemoryLimiter(c.AIRateLimit, c.AIRateWindow),
		validator: NewValidator(),
		throttle:  NewIPThrottle(c.AuthRateLimit),
	}
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.DB.Ping(ctx); err != nil {
		a.Log.WarnContext(r.Context(), "readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	auth := func(h http.HandlerFunc) http.Handler { return a.Authenticate(h) }
	optional := func(h http.HandlerFunc) http.Handler { return a.OptionalAuthenticate(h) }

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	authR := api.PathPrefix("/auth").Subrouter()
	authR.Use(a.Throttle)
	authR.HandleFunc("/register", a.HandleRegister).Methods("POST")
	authR.HandleFunc("/login", a.HandleLogin).Methods("POST")
	authR.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	authR.Handle("/logout", auth(a.HandleLogout)).Methods("POST")
	authR.Handle("/me", auth(a.HandleMe)).Methods("GET")
	authR.HandleFunc("/google", a.HandleGoogleLogin).Methods("GET")
	authR.HandleFunc("/google/callback", a.HandleGoogleCallback).Methods("GET")

	posts := api.PathPrefix("/posts").Subrouter()
	posts.Handle("", optional(a.HandleListPosts)).Methods("GET")
	posts.Handle("", auth(a.HandleCreatePost)).Methods("POST")
	posts.Handle("/{id}", optional(a.HandleGetPost)).Methods("GET")
	posts.Handle("/{id}", auth(a.HandleUpdatePost)).Methods("PUT")
	posts.Handle("/{id}", auth(a.HandleDeletePost)).Methods("DELETE")
	posts.Handle("/{id}/like", auth(a.HandleLikePost)).Methods("POST")
	posts.Handle("/{id}/like", auth(a.HandleUnlikePost)).Methods("DELETE")
	posts.Handle("/{id}/comments", optional(a.HandleListComments)).Methods("GET")
	posts.Handle("/{id}/comments", auth(a.HandleCreateComment)).Methods("POST")
	posts.Handle("/{id}/explain", a.Authenticate(a.AILimit(http.HandlerFunc(a.HandleExplain)))).Methods("POST")

	api.Handle("/comments/{id}", auth(a.HandleDeleteComment)).Methods("DELETE")

	users := api.PathPrefix("/users").Subrouter()
	users.Handle("/me", auth(a.HandleUpdateProfile)).Methods("PUT")
	users.Handle("/me", auth(a.HandleDeleteAccount)).Methods("DELETE")
	users.Handle("/me/avatar", auth(a.HandleAvatarUpload)).Methods("POST")
	users.Handle("/{username}", optional(a.HandleGetUser)).Methods("GET")
	users.Handle("/{username}/posts", optional(a.HandleUserPosts)).Methods("GET")

	// preflight for everything else; CORS answers it
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return r
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func openDB(c *cfg.Config, log *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations", "dir", c.MigrationsDir)
		from, to, err := dbmigrate.Apply(c.MigrationsDir, c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("migrations applied", "from", from, "to", to)
		p, err := NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, errors.New("unsupported DB_ADAPTER: " + c.DBAdapter)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := newLogger(c.LogLevel)
	slog.SetDefault(log)

	ctx := context.Background()
	db, err := openDB(c, log)
	if err != nil {
		log.Error("database init failed", "adapter", c.DBAdapter, "err", err)
		os.Exit(1)
	}

	app := NewApp(c, db, log)

	if c.RedisAddr != "" {
		rc, err := NewRedisClient(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rc.Close()
		app.Limiter = NewRedisLimiter(rc, "ratelimit:", c.AIRateLimit, c.AIRateWindow)
		log.Info("using redis rate limiter", "addr", c.RedisAddr)
	}
	if c.OpenAIAPIKey != "" {
		app.Explainer = NewOpenAIExplainer(OpenAIConfig{APIKey: c.OpenAIAPIKey, Model: c.OpenAIModel, BaseURL: c.OpenAIBaseURL})
	} else {
		log.Warn("OPENAI_API_KEY not set; explanations disabled")
	}
	if c.S3Bucket != "" {
		store, err := NewS3AvatarStore(ctx, S3Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			PublicURL: c.S3PublicURL,
		})
		if err != nil {
			log.Error("s3 init failed", "err", err)
			os.Exit(1)
		}
		app.Avatars = store
	}
	if c.GoogleClientID != "" {
		app.Google = NewGoogleProvider(GoogleConfig{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURI:  c.GoogleRedirectURL,
		})
	}

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		log.Info("starting server", "port", c.Port, "env", c.Env, "db", c.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	if err := db.Close(); err != nil {
		log.Warn("closing database", "err", err)
	}
	log.Info("server exited properly")
}
