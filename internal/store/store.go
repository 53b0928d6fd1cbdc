// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// UserRepository persists the identity context read by the assistant.
type UserRepository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error
}

// CourseRepository reads course structure and persists new courses.
type CourseRepository interface {
	// GetCourse loads a course with its sections and modules ordered by
	// section number and position. Returns nil, nil when absent.
	GetCourse(ctx context.Context, courseID int64) (*domain.Course, error)

	// ShortnameExists reports whether a course already uses the shortname.
	ShortnameExists(ctx context.Context, shortname string) (bool, error)

	// CreateCourse inserts the course and its sections in one transaction
	// and returns the new course ID.
	CreateCourse(ctx context.Context, course *domain.Course, sections []domain.Section) (int64, error)
}

// SessionStore holds the ordered conversation history of each
// (user, course) slot. Histories are not capped on write.
type SessionStore interface {
	// Append adds a message at the end of the slot's history.
	Append(ctx context.Context, key domain.SessionKey, msg domain.ConversationMessage) error

	// Read returns the full history of the slot, oldest first.
	Read(ctx context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error)

	// Reset clears the slot.
	Reset(ctx context.Context, key domain.SessionKey) error
}

// ExpiringSessionStore is implemented by session backends that need an
// external sweeper to drop idle histories.
type ExpiringSessionStore interface {
	SessionStore

	// CleanupExpiredSessions removes histories whose newest message is older
	// than ttl and returns the number of removed slots.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// Repository is the relational store backing users and courses.
type Repository interface {
	UserRepository
	CourseRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
