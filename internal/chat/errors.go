package chat

import (
	"errors"
	"fmt"
)

// Fixed replies.
const (
	replyNoContent        = "Error..."
	replyExtractionFailed = "Could not process the information to create the course."
	replyCreationFailed   = "Could not create the course."
	replyCourseCreated    = "Course created successfully! You can access it here: [%s](%s)"
)

var (
	// ErrNoContent means the completion carried no usable answer.
	ErrNoContent = errors.New("completion has no content")
	// ErrCourseNotFound is returned for turns about an unknown course.
	ErrCourseNotFound = errors.New("course not found")
	// ErrEmptyMessage is returned when a text turn is empty after normalization.
	ErrEmptyMessage = errors.New("message is empty")
)

// UpstreamError is an error payload returned by the chat-completion provider.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream: " + e.Message
}

// TranscriptionError aborts a voice turn.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// ExtractionError means the structured course output was unusable.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract course spec: %s: %v", e.Reason, e.Err)
	}
	return "extract course spec: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// CreationError means a valid course spec could not be persisted.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create course: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
