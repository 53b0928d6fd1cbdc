package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"time"

	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/shared"
	"github.com/ashureev/coursechat/internal/store"
	"github.com/ashureev/coursechat/internal/transcribe"
)

// HistoryWindow is the number of stored messages sent with each prompt.
const HistoryWindow = 9

// Renderer converts markdown replies to HTML.
type Renderer interface {
	Render(markdown string) string
}

// CourseCreator persists a generated course.
type CourseCreator interface {
	Create(ctx context.Context, spec *domain.CourseSpec) (*domain.CreatedCourse, error)
}

// Settings are the site-level inputs of the system prompt.
type Settings struct {
	AssistantName string
	SiteName      string
	SiteURL       string
	DefaultLang   string
}

// Deps are the collaborators of Service.
type Deps struct {
	Sessions    store.SessionStore
	Courses     store.CourseRepository
	Users       store.UserRepository
	LLM         llm.ChatCompleter
	Transcriber transcribe.Transcriber
	Renderer    Renderer
	Creator     CourseCreator
	Log         ConversationLogger
	Logger      *slog.Logger
}

// Service orchestrates conversation turns.
type Service struct {
	deps     Deps
	settings Settings
	locks    *keyLocks
	logger   *slog.Logger
}

// NewService wires a Service.
func NewService(deps Deps, settings Settings) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Courses == nil:
		return nil, errors.New("course repository is required")
	case deps.LLM == nil:
		return nil, errors.New("chat completer is required")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is required")
	case deps.Creator == nil:
		return nil, errors.New("course creator is required")
	}
	if deps.Log == nil {
		deps.Log = noopConversationLogger{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, settings: settings, locks: newKeyLocks(), logger: logger}, nil
}

// HandleTurn runs one user turn. Only transcription failures, unknown
// courses, empty input, cancellation and storage failures are returned as
// errors; every other outcome is a Reply.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	key := domain.SessionKey{UserID: req.UserID, CourseID: req.CourseID}
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	crs, err := s.deps.Courses.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}
	if crs == nil {
		return nil, ErrCourseNotFound
	}

	viewer, err := s.viewer(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.resetIfStale(ctx, key); err != nil {
		return nil, err
	}

	msg, err := s.normalize(ctx, req, viewer)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Sessions.Append(ctx, key, msg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	s.logEvent(key, "outbound", "chat_user_message", msg.Content, map[string]any{
		"audio": msg.ContentTranscription != "",
	})

	history, err := s.deps.Sessions.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	prompt := s.buildPrompt(crs, viewer, history)

	comp, err := s.deps.LLM.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	transcription := msg.ContentTranscription
	decision := Route(comp)
	s.logger.Info("Chat turn routed",
		"user_id", req.UserID,
		"course_id", req.CourseID,
		"intent", decision.Intent.String(),
		"prompt_messages", len(prompt),
	)

	switch decision.Intent {
	case IntentFailed:
		s.logger.Warn("Chat completion returned an error", "user_id", req.UserID, "error", decision.Err)
		return s.failure(key, s.deps.Renderer.Render(decision.Content), transcription), nil
	case IntentEmpty:
		return s.failure(key, replyNoContent, transcription), nil
	case IntentCreateCourse:
		return s.createCourse(ctx, key, msg.Content, transcription)
	default:
		rendered := s.deps.Renderer.Render(decision.Content)
		if err := s.appendReply(ctx, key, rendered); err != nil {
			return nil, err
		}
		return &Reply{Result: true, Format: FormatHTML, Content: rendered, Transcription: transcription}, nil
	}
}

func (s *Service) createCourse(ctx context.Context, key domain.SessionKey, description, transcription string) (*Reply, error) {
	comp, err := s.deps.LLM.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: CourseCreationPrompt(description)},
	})
	if err != nil {
		return nil, fmt.Errorf("course spec completion: %w", err)
	}

	spec, err := ExtractCourseSpec(comp)
	if err != nil {
		s.logger.Warn("Course spec extraction failed", "user_id", key.UserID, "course_id", key.CourseID, "error", err)
		return s.failure(key, replyExtractionFailed, transcription), nil
	}

	created, err := s.deps.Creator.Create(ctx, spec)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, course.ErrInvalidSpec) {
			s.logger.Warn("Course spec rejected", "user_id", key.UserID, "error", err)
			return s.failure(key, replyExtractionFailed, transcription), nil
		}
		cerr := &CreationError{Err: err}
		s.logger.Error("Course creation failed", "user_id", key.UserID, "error", cerr)
		return s.failure(key, replyCreationFailed, transcription), nil
	}

	confirmation := fmt.Sprintf(replyCourseCreated, created.Fullname, domain.CourseURL(s.settings.SiteURL, created.ID))
	rendered := s.deps.Renderer.Render(confirmation)
	if err := s.appendReply(ctx, key, rendered); err != nil {
		return nil, err
	}
	s.logEvent(key, "inbound", "course_created", rendered, map[string]any{
		"new_course_id": created.ID,
		"shortname":     created.Shortname,
		"weeks":         len(spec.Weeks),
	})
	return &Reply{Result: true, Format: FormatHTML, Content: rendered, Transcription: transcription}, nil
}

// History returns the stored messages of a slot.
func (s *Service) History(ctx context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	history, err := s.deps.Sessions.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return history, nil
}

// Reset clears a slot.
func (s *Service) Reset(ctx context.Context, key domain.SessionKey) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.deps.Sessions.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	s.logEvent(key, "outbound", "chat_reset", "", nil)
	return nil
}

func (s *Service) viewer(ctx context.Context, userID string) (*domain.User, error) {
	if s.deps.Users == nil {
		return &domain.User{UserID: userID}, nil
	}
	user, err := s.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return &domain.User{UserID: userID}, nil
	}
	return user, nil
}

// resetIfStale clears the slot when its first stored entry is empty.
func (s *Service) resetIfStale(ctx context.Context, key domain.SessionKey) error {
	history, err := s.deps.Sessions.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(history) == 0 || !history[0].IsZero() {
		return nil
	}
	s.logger.Info("Resetting session with empty first entry", "user_id", key.UserID, "course_id", key.CourseID)
	if err := s.deps.Sessions.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}

func (s *Service) normalize(ctx context.Context, req TurnRequest, viewer *domain.User) (domain.ConversationMessage, error) {
	if req.Audio == "" {
		content := shared.StripMarkup(req.Message)
		if content == "" {
			return domain.ConversationMessage{}, ErrEmptyMessage
		}
		return domain.ConversationMessage{Role: domain.RoleUser, Content: content}, nil
	}

	if s.deps.Transcriber == nil {
		return domain.ConversationMessage{}, &TranscriptionError{Err: errors.New("transcription is not configured")}
	}
	lang := req.Lang
	if lang == "" {
		lang = s.locale(viewer)
	}
	res, err := s.deps.Transcriber.Transcribe(ctx, req.Audio, lang)
	if err != nil {
		return domain.ConversationMessage{}, &TranscriptionError{Err: err}
	}

	return domain.ConversationMessage{
		Role:                 domain.RoleUser,
		Content:              res.Text,
		ContentTranscription: res.Text,
		ContentHTML:          s.audioPlayerHTML(res),
	}, nil
}

func (s *Service) audioPlayerHTML(res *transcribe.Result) string {
	src := s.settings.SiteURL + "/api/chat/audio/" + url.PathEscape(res.Filename)
	return fmt.Sprintf(`<audio controls autoplay src='%s'></audio><div class='transcription'>%s</div>`,
		html.EscapeString(src), html.EscapeString(res.Text))
}

// buildPrompt prepends the system prompt to the last HistoryWindow stored
// messages. Stored replies keep the system role but are sent as assistant
// turns so the prompt carries a single system message.
func (s *Service) buildPrompt(crs *domain.Course, viewer *domain.User, history []domain.ConversationMessage) []llm.Message {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}

	system := BuildSystemPrompt(PromptContext{
		AssistantName:    s.settings.AssistantName,
		SiteName:         s.settings.SiteName,
		SiteURL:          s.settings.SiteURL,
		Course:           crs,
		Outline:          course.BuildOutline(crs, viewer, s.settings.SiteURL),
		Lang:             s.locale(viewer),
		IsTeacherOrAdmin: viewer.IsTeacherOrAdmin(),
	})

	prompt := make([]llm.Message, 0, len(history)+1)
	prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleSystem {
			role = llm.RoleAssistant
		}
		prompt = append(prompt, llm.Message{Role: role, Content: m.Content})
	}
	return prompt
}

func (s *Service) locale(viewer *domain.User) string {
	if viewer != nil && viewer.Lang != "" {
		return viewer.Lang
	}
	if s.settings.DefaultLang != "" {
		return s.settings.DefaultLang
	}
	return "en"
}

func (s *Service) appendReply(ctx context.Context, key domain.SessionKey, rendered string) error {
	if err := s.deps.Sessions.Append(ctx, key, domain.ConversationMessage{Role: domain.RoleSystem, Content: rendered}); err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	s.logEvent(key, "inbound", "chat_assistant_message", rendered, nil)
	return nil
}

func (s *Service) failure(key domain.SessionKey, content, transcription string) *Reply {
	s.logEvent(key, "inbound", "chat_failure", content, nil)
	return &Reply{Result: false, Format: FormatText, Content: content, Transcription: transcription}
}

func (s *Service) logEvent(key domain.SessionKey, direction, eventType, content string, meta map[string]any) {
	s.deps.Log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     key.UserID,
		CourseID:   key.CourseID,
		Channel:    "chat_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// Close releases the conversation logger.
func (s *Service) Close() error {
	return s.deps.Log.Close()
}
