// Package chat implements the course assistant conversation flow.
package chat

// Reply formats.
const (
	FormatHTML = "html"
	FormatText = "text"
)

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	UserID   string
	CourseID int64
	Message  string
	Audio    string // base64 or data URL; empty for text turns
	Lang     string // transcription language hint
}

// Reply is the outcome of a turn as returned to the client.
type Reply struct {
	Result        bool   `json:"result"`
	Format        string `json:"format"`
	Content       string `json:"content"`
	Transcription string `json:"transcription,omitempty"`
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	Message  string  `json:"message"`
	CourseID int64   `json:"courseid"`
	Audio    *string `json:"audio"`
	Lang     *string `json:"lang"`
}

// HistoryResponse lists the stored messages of one session slot.
type HistoryResponse struct {
	CourseID int64            `json:"courseid"`
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is a stored message prepared for replay in the UI.
type HistoryMessage struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	Transcription string `json:"transcription,omitempty"`
	HTML          string `json:"content_html,omitempty"`
}
