// Package course builds course outlines for prompts and creates courses from
// generated specifications.
package course

import (
	"fmt"
	"strings"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/shared"
)

// minSummaryLen is the number of bytes a cleaned summary must exceed to be
// worth including.
const minSummaryLen = 5

// BuildOutline renders the sections of course as a bulleted list of the
// modules viewer may see. Sections without modules are skipped.
//
//	* Section name
//	** [Module name](url)
//	*** summary: cleaned module summary
func BuildOutline(course *domain.Course, viewer *domain.User, siteURL string) string {
	if course == nil {
		return ""
	}

	var b strings.Builder
	for _, sec := range course.Sections {
		if len(sec.Modules) == 0 {
			continue
		}
		fmt.Fprintf(&b, "* %s\n", sec.DisplayName())

		for _, mod := range sec.Modules {
			if !mod.VisibleTo(viewer) {
				continue
			}
			fmt.Fprintf(&b, "** [%s](%s)\n", mod.Name, mod.URL(siteURL))
			if summary := CleanSummary(mod.Summary); len(summary) > minSummaryLen {
				fmt.Fprintf(&b, "*** summary: %s\n", summary)
			}
		}
	}
	return b.String()
}

// CleanSummary reduces an HTML module summary to a single line of text.
func CleanSummary(summary string) string {
	if summary == "" {
		return ""
	}
	return shared.CollapseWhitespace(shared.StripMarkup(summary))
}
