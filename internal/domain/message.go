package domain

// Role identifies who authored a stored conversation message.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// ConversationMessage is one entry of a per-user, per-course history.
// Entries are never modified after they are appended.
type ConversationMessage struct {
	Role                 Role   `json:"role"`
	Content              string `json:"content"`
	ContentTranscription string `json:"content_transcription,omitempty"`
	ContentHTML          string `json:"content_html,omitempty"`
}

// IsZero reports whether the message carries nothing at all.
func (m ConversationMessage) IsZero() bool {
	return m == ConversationMessage{}
}

// SessionKey identifies one conversation history slot.
type SessionKey struct {
	UserID   string
	CourseID int64
}
