package chat

import (
	"fmt"
	"strings"

	"github.com/ashureev/coursechat/internal/domain"
)

// PromptContext is everything the system prompt depends on.
type PromptContext struct {
	AssistantName    string
	SiteName         string
	SiteURL          string
	Course           *domain.Course
	Outline          string
	Lang             string
	IsTeacherOrAdmin bool
}

// BuildSystemPrompt assembles the per-turn system message. It is rebuilt on
// every turn and never stored.
func BuildSystemPrompt(pc PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a chatbot named **%s**.\n", pc.AssistantName)
	fmt.Fprintf(&b, "Your role is to be a **super teacher of the learning platform \"%s\"**,\n", pc.SiteName)
	fmt.Fprintf(&b, "for the course **[%s](%s)**,\n", pc.Course.Fullname, domain.CourseURL(pc.SiteURL, pc.Course.ID))
	b.WriteString("always helpful and dedicated, and a specialist in supporting and explaining everything related to learning.\n\n")

	b.WriteString("## Course modules:\n")
	b.WriteString(pc.Outline)
	b.WriteString("\n")

	b.WriteString("### Your answers must always follow these guidelines:\n")
	b.WriteString("* Be **detailed, clear and inspiring**, with a **friendly and motivating** tone.\n")
	b.WriteString("* Pay attention to detail, giving **practical examples and step-by-step explanations** whenever it makes sense.\n")
	b.WriteString("* If the question is ambiguous, ask for more details.\n")
	b.WriteString("* If you do not know the answer, say so, and never make up anything you were not given.\n")
	fmt.Fprintf(&b, "* Keep the **focus on the course %s**; if the user asks for something out of scope, answer that you cannot and never will do it.\n", pc.Course.Fullname)
	b.WriteString("* Use **only MARKDOWN formatting**.\n")
	fmt.Fprintf(&b, "* **ALWAYS** answer in **%s** (never in another language).\n", pc.Lang)
	b.WriteString(branchRule(pc.IsTeacherOrAdmin))

	b.WriteString("\n### Important rules:\n")
	b.WriteString("* Never break the character of a **course teacher**.\n")
	b.WriteString("* Always keep a welcoming, teacherly tone.\n")
	fmt.Fprintf(&b, "* Answer only in MARKDOWN and in the language %s.", pc.Lang)

	return b.String()
}

func branchRule(isTeacherOrAdmin bool) string {
	if isTeacherOrAdmin {
		return "\n### Special detection rule:\n" +
			"* If the user explicitly asks for or mentions **assisted course creation**, you must answer only with the literal value: " + CreateCourseSentinel + "\n" +
			"* In any other case, continue with your normal answer.\n"
	}
	return "\n### Special rule:\n" +
		"* If the user asks for a course to be created, tell them you can help design and plan it, but do not use the rule of returning " + CreateCourseSentinel + ".\n"
}

// CourseCreationPrompt is the instructional-designer system message used for
// the structured-generation call.
func CourseCreationPrompt(description string) string {
	return fmt.Sprintf(`You are an expert instructional designer. Your goal is to create a course from the user's description: '%s'.

You must answer ONLY with a JSON object with the following structure:
{
  "fullname": "Full course name",
  "shortname": "Unique short name",
  "summary": "Course description in HTML format",
  "weeks": [
    {
      "name": "Week/section name",
      "summary": "Short description of what will be covered this week"
    }
  ]
}

Rules:
1. The number of weeks must be consistent with the request.
2. The first week must always be an 'Introduction' and the last one a 'Closing'.
3. Do not include any text outside the JSON.`, description)
}
