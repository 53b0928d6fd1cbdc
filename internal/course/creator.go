package course

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/shared"
	"github.com/ashureev/coursechat/internal/store"
	"github.com/go-playground/validator/v10"
)

const (
	formatWeeks     = "weeks"
	defaultCategory = 1
)

// ErrInvalidSpec is returned when a course specification fails validation.
var ErrInvalidSpec = errors.New("invalid course specification")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSpec checks the structural rules of a generated course specification.
func ValidateSpec(spec *domain.CourseSpec) error {
	if spec == nil {
		return ErrInvalidSpec
	}
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// Creator persists new courses with one section per week.
type Creator struct {
	repo     store.CourseRepository
	category int64
	now      func() time.Time
	logger   *slog.Logger
}

// NewCreator returns a creator that files new courses under category.
func NewCreator(repo store.CourseRepository, category int64, logger *slog.Logger) *Creator {
	if category <= 0 {
		category = defaultCategory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{repo: repo, category: category, now: time.Now, logger: logger}
}

// Create persists spec as a visible weekly course. Week i becomes section
// i+1. The shortname defaults to course_<unix> and gets a _<unix> suffix
// when already taken.
func (c *Creator) Create(ctx context.Context, spec *domain.CourseSpec) (*domain.CreatedCourse, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	stamp := c.now().Unix()
	fullname := strings.TrimSpace(spec.Fullname)
	shortname := strings.TrimSpace(spec.Shortname)
	if shortname == "" {
		shortname = fmt.Sprintf("course_%d", stamp)
	}

	taken, err := c.repo.ShortnameExists(ctx, shortname)
	if err != nil {
		return nil, fmt.Errorf("check shortname: %w", err)
	}
	if taken {
		shortname = fmt.Sprintf("%s_%d", shortname, stamp)
	}

	sections := make([]domain.Section, 0, len(spec.Weeks))
	for i, week := range spec.Weeks {
		sections = append(sections, domain.Section{
			Number:  i + 1,
			Name:    week.Name,
			Summary: week.Summary,
		})
	}

	course := &domain.Course{
		Fullname:  fullname,
		Shortname: shortname,
		Summary:   spec.Summary,
		Format:    formatWeeks,
		Category:  c.category,
		Visible:   true,
		CreatedAt: c.now(),
	}

	id, err := c.repo.CreateCourse(ctx, course, sections)
	if err != nil && shared.IsUniqueViolation(err) {
		// Lost a race for the shortname between the check and the insert.
		course.Shortname = fmt.Sprintf("%s_%d", shortname, c.now().UnixNano())
		id, err = c.repo.CreateCourse(ctx, course, sections)
	}
	if err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}

	c.logger.Info("Course created",
		"course_id", id,
		"shortname", course.Shortname,
		"sections", len(sections),
	)
	return &domain.CreatedCourse{ID: id, Fullname: course.Fullname, Shortname: course.Shortname}, nil
}
