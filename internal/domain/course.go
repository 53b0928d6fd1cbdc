package domain

import (
	"fmt"
	"time"
)

// Course is the read model of a course used to build its outline.
type Course struct {
	ID        int64     `json:"id"`
	Fullname  string    `json:"fullname"`
	Shortname string    `json:"shortname"`
	Summary   string    `json:"summary"`
	Format    string    `json:"format"`
	Category  int64     `json:"category"`
	Visible   bool      `json:"visible"`
	Sections  []Section `json:"sections,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Section is a numbered block of a course. Section 0 is the general section.
type Section struct {
	ID      int64    `json:"id"`
	Number  int      `json:"section"`
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Modules []Module `json:"modules,omitempty"`
}

// DisplayName returns the section name or the default label for its number.
func (s Section) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Number == 0 {
		return "General"
	}
	return fmt.Sprintf("Section %d", s.Number)
}

// Module is an activity or resource placed inside a section.
type Module struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"` // "page", "quiz", "label", ...
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Visible bool   `json:"visible"`
}

// URL returns the module view link, or "" for kinds that have no page.
func (m Module) URL(siteURL string) string {
	if m.Kind == "" || m.Kind == "label" {
		return ""
	}
	return fmt.Sprintf("%s/mod/%s/view.php?id=%d", siteURL, m.Kind, m.ID)
}

// VisibleTo reports whether the viewer may see the module.
func (m Module) VisibleTo(viewer *User) bool {
	return m.Visible || viewer.IsTeacherOrAdmin()
}

// CourseURL returns the link to a course page.
func CourseURL(siteURL string, courseID int64) string {
	return fmt.Sprintf("%s/course/view.php?id=%d", siteURL, courseID)
}

// CourseSpec is the structured course description produced by the model.
type CourseSpec struct {
	Fullname  string `json:"fullname" validate:"required,max=254"`
	Shortname string `json:"shortname,omitempty" validate:"omitempty,max=255"`
	Summary   string `json:"summary"`
	Weeks     []Week `json:"weeks" validate:"dive"`
}

// Week becomes one course section.
type Week struct {
	Name    string `json:"name" validate:"max=255"`
	Summary string `json:"summary"`
}

// CreatedCourse identifies a course after persistence.
type CreatedCourse struct {
	ID        int64
	Fullname  string
	Shortname string
}
