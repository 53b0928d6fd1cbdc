// Package identity resolves the user behind each request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/store"
)

const (
	AnonCookieName   = "coursechat_anon_id"
	UserHeaderName   = "X-User-ID"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)
)

// Options configures Middleware.
type Options struct {
	IsDev           bool
	TrustUserHeader bool
	DefaultLang     string
	AdminUserIDs    []string
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if !strings.HasPrefix(userID, "anon_") {
		return userID
	}
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// ensureUser creates the user record on first sight. Existing records are
// left alone so locale and capabilities managed elsewhere survive.
func ensureUser(ctx context.Context, repo store.UserRepository, userID string, opts Options) (*domain.User, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := time.Now()
	user = &domain.User{
		UserID:      userID,
		Username:    deriveUsername(userID),
		Lang:        opts.DefaultLang,
		IsSiteAdmin: isAdmin(userID, opts.AdminUserIDs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	slog.Info("User registered", "user_id", userID, "site_admin", user.IsSiteAdmin)
	return user, nil
}

func isAdmin(userID string, admins []string) bool {
	for _, id := range admins {
		if id == userID {
			return true
		}
	}
	return false
}

func setAnonCookie(w http.ResponseWriter, value string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// resolveUserID prefers the gateway header when trusted, falling back to the
// anonymous per-device cookie.
func resolveUserID(w http.ResponseWriter, r *http.Request, opts Options) (string, error) {
	if opts.TrustUserHeader {
		if id := strings.TrimSpace(r.Header.Get(UserHeaderName)); id != "" {
			if !userIDPattern.MatchString(id) {
				return "", fmt.Errorf("invalid %s header", UserHeaderName)
			}
			return id, nil
		}
	}
	return getOrCreateAnonID(w, r, opts.IsDev)
}

// Middleware injects the user identity into the request context and makes
// sure a user record exists.
func Middleware(repo store.UserRepository, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolveUserID(w, r, opts)
			if err != nil {
				http.Error(w, `{"error":"invalid user identity"}`, http.StatusBadRequest)
				return
			}

			user, err := ensureUser(r.Context(), repo, userID, opts)
			if err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, usernameKey, user.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
