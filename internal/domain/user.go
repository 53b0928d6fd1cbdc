// Package domain contains core domain types for the course assistant.
package domain

import (
	"time"
)

// User represents a platform user as seen by the assistant.
type User struct {
	UserID          string    `json:"user_id"`
	Username        string    `json:"username"`
	Lang            string    `json:"lang"`
	IsSiteAdmin     bool      `json:"is_site_admin"`
	CanCreateCourse bool      `json:"can_create_course"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsTeacherOrAdmin reports whether the user may use assisted course creation.
func (u *User) IsTeacherOrAdmin() bool {
	if u == nil {
		return false
	}
	return u.IsSiteAdmin || u.CanCreateCourse
}
