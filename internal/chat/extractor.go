package chat

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
)

// fencePattern matches an opening ```json (or bare ```) marker and a closing
// ``` marker around the whole payload.
var fencePattern = regexp.MustCompile("^```(?:json)?\\s*|\\s*```$")

// StripCodeFence removes a markdown code fence wrapped around s.
func StripCodeFence(s string) string {
	return fencePattern.ReplaceAllString(strings.TrimSpace(s), "")
}

// ExtractCourseSpec turns the structured-generation completion into a
// validated CourseSpec.
func ExtractCourseSpec(comp *llm.Completion) (*domain.CourseSpec, error) {
	if comp != nil && comp.Error != nil {
		return nil, &ExtractionError{Reason: "upstream error", Err: &UpstreamError{Message: comp.Error.Message}}
	}
	raw := comp.FirstContent()
	if strings.TrimSpace(raw) == "" {
		return nil, &ExtractionError{Reason: "empty completion", Err: ErrNoContent}
	}

	var spec domain.CourseSpec
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &spec); err != nil {
		return nil, &ExtractionError{Reason: "invalid json", Err: err}
	}

	spec.Fullname = strings.TrimSpace(spec.Fullname)
	spec.Shortname = strings.TrimSpace(spec.Shortname)
	if err := course.ValidateSpec(&spec); err != nil {
		return nil, &ExtractionError{Reason: "invalid course spec", Err: err}
	}
	return &spec, nil
}
