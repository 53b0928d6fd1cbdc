package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/store"
	"github.com/ashureev/coursechat/internal/transcribe"
)

func answer(content string) *llm.Completion {
	return &llm.Completion{Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}}}
}

func apiFailure(message string) *llm.Completion {
	return &llm.Completion{Error: &llm.APIError{Message: message}}
}

// scriptedLLM returns queued completions in order and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []*llm.Completion
	prompts [][]llm.Message
	delay   time.Duration

	inFlight    int32
	maxInFlight int32
}

func (f *scriptedLLM) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, append([]llm.Message(nil), messages...))
	if len(f.replies) == 0 {
		return answer("ok"), nil
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next, nil
}

func (f *scriptedLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type tagRenderer struct{}

func (tagRenderer) Render(markdown string) string { return "<p>" + markdown + "</p>" }

type fakeTranscriber struct {
	result *transcribe.Result
	err    error
	lang   string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, lang string) (*transcribe.Result, error) {
	f.lang = lang
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCreator struct {
	specs []*domain.CourseSpec
	err   error
}

func (f *fakeCreator) Create(_ context.Context, spec *domain.CourseSpec) (*domain.CreatedCourse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	return &domain.CreatedCourse{ID: 42, Fullname: spec.Fullname, Shortname: "py_basics"}, nil
}

type fakeCourses struct {
	courses map[int64]*domain.Course
}

func (f *fakeCourses) GetCourse(_ context.Context, id int64) (*domain.Course, error) {
	return f.courses[id], nil
}

func (f *fakeCourses) ShortnameExists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeCourses) CreateCourse(context.Context, *domain.Course, []domain.Section) (int64, error) {
	return 0, errors.New("not supported")
}

type fakeUsers struct {
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	return f.users[id], nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, u *domain.User) error {
	f.users[u.UserID] = u
	return nil
}

type fixture struct {
	svc         *Service
	llm         *scriptedLLM
	sessions    *store.MemorySessionStore
	creator     *fakeCreator
	transcriber *fakeTranscriber
}

const (
	testSiteURL  = "https://lms.example"
	testCourseID = int64(5)
	studentID    = "student"
	teacherID    = "teacher"
)

func newFixture(replies ...*llm.Completion) *fixture {
	f := &fixture{
		llm:         &scriptedLLM{replies: replies},
		sessions:    store.NewMemorySessionStore(),
		creator:     &fakeCreator{},
		transcriber: &fakeTranscriber{result: &transcribe.Result{Text: "what is week 2 about", Filename: "0f8fad5b-d9cb-469f-a165-70867728950e.webm"}},
	}
	courses := &fakeCourses{courses: map[int64]*domain.Course{
		testCourseID: {
			ID:       testCourseID,
			Fullname: "Python Basics",
			Sections: []domain.Section{{Number: 1, Name: "Week 1", Modules: []domain.Module{
				{ID: 100, Kind: "page", Name: "Variables", Visible: true, Summary: "<p>Names and values in Python</p>"},
			}}},
		},
	}}
	users := &fakeUsers{users: map[string]*domain.User{
		studentID: {UserID: studentID, Lang: "en"},
		teacherID: {UserID: teacherID, Lang: "es", CanCreateCourse: true},
	}}

	svc, err := NewService(Deps{
		Sessions:    f.sessions,
		Courses:     courses,
		Users:       users,
		LLM:         f.llm,
		Transcriber: f.transcriber,
		Renderer:    tagRenderer{},
		Creator:     f.creator,
	}, Settings{AssistantName: "GeniAI", SiteName: "Campus", SiteURL: testSiteURL, DefaultLang: "en"})
	if err != nil {
		panic(err)
	}
	f.svc = svc
	return f
}

func (f *fixture) history(userID string) []domain.ConversationMessage {
	h, _ := f.sessions.Read(context.Background(), domain.SessionKey{UserID: userID, CourseID: testCourseID})
	return h
}
