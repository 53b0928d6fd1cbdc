package chat

import (
	"github.com/ashureev/coursechat/internal/llm"
)

// CreateCourseSentinel is the exact reply that switches a turn into course
// creation. Matching is literal: no trimming, no case folding.
const CreateCourseSentinel = "TRUE"

// Intent classifies a completion.
type Intent int

const (
	IntentAnswer Intent = iota
	IntentCreateCourse
	IntentFailed
	IntentEmpty
)

func (i Intent) String() string {
	switch i {
	case IntentAnswer:
		return "answer"
	case IntentCreateCourse:
		return "create_course"
	case IntentFailed:
		return "failed"
	case IntentEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Decision is the routing outcome for one completion.
type Decision struct {
	Intent  Intent
	Content string // answer text, or the provider error message
	Err     error
}

// Route classifies the first choice of comp.
func Route(comp *llm.Completion) Decision {
	if comp != nil && comp.Error != nil {
		return Decision{
			Intent:  IntentFailed,
			Content: comp.Error.Message,
			Err:     &UpstreamError{Message: comp.Error.Message},
		}
	}

	content := comp.FirstContent()
	switch {
	case content == CreateCourseSentinel:
		return Decision{Intent: IntentCreateCourse}
	case content == "":
		return Decision{Intent: IntentEmpty, Err: ErrNoContent}
	default:
		return Decision{Intent: IntentAnswer, Content: content}
	}
}
