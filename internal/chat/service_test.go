package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fourWeekSpec = "```json\n" + `{
  "fullname": "Python basics",
  "shortname": "py_basics",
  "summary": "<p>Intro to Python</p>",
  "weeks": [
    {"name": "Introduction", "summary": "Setup"},
    {"name": "Variables", "summary": "Types"},
    {"name": "Control flow", "summary": "if/for"},
    {"name": "Closing", "summary": "Review"}
  ]
}` + "\n```"

func textTurn(userID, message string) TurnRequest {
	return TurnRequest{UserID: userID, CourseID: testCourseID, Message: message}
}

func TestHandleTurnAnswer(t *testing.T) {
	f := newFixture(answer("This course teaches **Python**."))

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "What is this course about?"))
	require.NoError(t, err)

	assert.Equal(t, &Reply{Result: true, Format: FormatHTML, Content: "<p>This course teaches **Python**.</p>"}, reply)

	history := f.history(studentID)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ConversationMessage{Role: domain.RoleUser, Content: "What is this course about?"}, history[0])
	assert.Equal(t, domain.RoleSystem, history[1].Role)
	assert.Equal(t, reply.Content, history[1].Content)
}

func TestHandleTurnPromptShape(t *testing.T) {
	f := newFixture()
	key := domain.SessionKey{UserID: studentID, CourseID: testCourseID}
	for i := 0; i < 20; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleSystem
		}
		require.NoError(t, f.sessions.Append(context.Background(), key, domain.ConversationMessage{Role: role, Content: fmt.Sprintf("m%d", i)}))
	}

	_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "latest"))
	require.NoError(t, err)

	require.Equal(t, 1, f.llm.calls())
	prompt := f.llm.prompts[0]
	require.Len(t, prompt, 1+HistoryWindow)

	systemCount := 0
	for _, m := range prompt {
		if m.Role == llm.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, llm.RoleSystem, prompt[0].Role)
	assert.Equal(t, "latest", prompt[len(prompt)-1].Content)
	assert.Equal(t, llm.RoleUser, prompt[len(prompt)-1].Role)
	assert.Equal(t, "m12", prompt[1].Content)
	assert.Equal(t, llm.RoleUser, prompt[1].Role)
	assert.Equal(t, "m13", prompt[2].Content)
	assert.Equal(t, llm.RoleAssistant, prompt[2].Role)

	assert.Contains(t, prompt[0].Content, "[Variables](https://lms.example/mod/page/view.php?id=100)")
	assert.Contains(t, prompt[0].Content, "[Python Basics](https://lms.example/course/view.php?id=5)")
	assert.NotContains(t, prompt[0].Content, "answer only with the literal value")

	// Storage is never capped.
	assert.Len(t, f.history(studentID), 22)
}

func TestHandleTurnTeacherPromptCarriesSentinelRule(t *testing.T) {
	f := newFixture()
	_, err := f.svc.HandleTurn(context.Background(), textTurn(teacherID, "hola"))
	require.NoError(t, err)

	system := f.llm.prompts[0][0].Content
	assert.Contains(t, system, "answer only with the literal value: TRUE")
	assert.Contains(t, system, "**es**")
}

func TestHandleTurnCreatesCourse(t *testing.T) {
	f := newFixture(answer("TRUE"), answer(fourWeekSpec))

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(teacherID, "Please create a 4-week course on Python basics"))
	require.NoError(t, err)

	require.Equal(t, 2, f.llm.calls())
	second := f.llm.prompts[1]
	require.Len(t, second, 1)
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Contains(t, second[0].Content, "'Please create a 4-week course on Python basics'")

	require.Len(t, f.creator.specs, 1)
	assert.Len(t, f.creator.specs[0].Weeks, 4)

	assert.True(t, reply.Result)
	assert.Equal(t, FormatHTML, reply.Format)
	assert.Equal(t, "<p>Course created successfully! You can access it here: [Python basics](https://lms.example/course/view.php?id=42)</p>", reply.Content)

	history := f.history(teacherID)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleSystem, history[1].Role)
	assert.Equal(t, reply.Content, history[1].Content)
}

// Routing follows the model's reply alone; the viewer's role only shapes the
// system prompt.
func TestHandleTurnSentinelRoutesRegardlessOfRole(t *testing.T) {
	f := newFixture(answer("TRUE"), answer(fourWeekSpec))

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "create a course"))
	require.NoError(t, err)
	assert.True(t, reply.Result)
	assert.Len(t, f.creator.specs, 1)
}

func TestHandleTurnSentinelIsExact(t *testing.T) {
	for _, content := range []string{"TRUE ", "true", " TRUE", "TRUE."} {
		t.Run(fmt.Sprintf("%q", content), func(t *testing.T) {
			f := newFixture(answer(content))
			reply, err := f.svc.HandleTurn(context.Background(), textTurn(teacherID, "create a course"))
			require.NoError(t, err)

			assert.Equal(t, 1, f.llm.calls())
			assert.Empty(t, f.creator.specs)
			assert.True(t, reply.Result)
			assert.Equal(t, "<p>"+content+"</p>", reply.Content)
		})
	}
}

func TestHandleTurnUpstreamError(t *testing.T) {
	f := newFixture(apiFailure("rate limited"))

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "hi"))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Result: false, Format: FormatText, Content: "<p>rate limited</p>"}, reply)
	assert.Len(t, f.history(studentID), 1, "failed replies are not stored")
}

func TestHandleTurnNoContent(t *testing.T) {
	f := newFixture(&llm.Completion{})

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "hi"))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Result: false, Format: FormatText, Content: "Error..."}, reply)
}

func TestHandleTurnExtractionFailure(t *testing.T) {
	tests := map[string]*llm.Completion{
		"not json":         answer("Sure! Here is your course: Python"),
		"missing fullname": answer(`{"summary":"x","weeks":[]}`),
		"upstream error":   apiFailure("overloaded"),
	}
	for name, second := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(answer("TRUE"), second)
			reply, err := f.svc.HandleTurn(context.Background(), textTurn(teacherID, "create a course on Go"))
			require.NoError(t, err)

			assert.Equal(t, &Reply{Result: false, Format: FormatText, Content: "Could not process the information to create the course."}, reply)
			assert.Empty(t, f.creator.specs)
			assert.Len(t, f.history(teacherID), 1)
		})
	}
}

func TestHandleTurnCreationFailure(t *testing.T) {
	f := newFixture(answer("TRUE"), answer(fourWeekSpec))
	f.creator.err = errors.New("disk full")

	reply, err := f.svc.HandleTurn(context.Background(), textTurn(teacherID, "create a course"))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Result: false, Format: FormatText, Content: "Could not create the course."}, reply)
}

func TestHandleTurnAudio(t *testing.T) {
	f := newFixture(answer("Week 2 covers loops."))

	reply, err := f.svc.HandleTurn(context.Background(), TurnRequest{
		UserID: studentID, CourseID: testCourseID, Audio: "data:audio/webm;base64,AAAA", Lang: "pt_br",
	})
	require.NoError(t, err)

	assert.Equal(t, "what is week 2 about", reply.Transcription)
	assert.Equal(t, "pt_br", f.transcriber.lang)

	history := f.history(studentID)
	require.NotEmpty(t, history)
	assert.Equal(t, "what is week 2 about", history[0].Content)
	assert.Equal(t, "what is week 2 about", history[0].ContentTranscription)
	assert.Equal(t,
		"<audio controls autoplay src='https://lms.example/api/chat/audio/0f8fad5b-d9cb-469f-a165-70867728950e.webm'></audio>"+
			"<div class='transcription'>what is week 2 about</div>",
		history[0].ContentHTML)
}

func TestHandleTurnAudioFailureStillEchoesTranscription(t *testing.T) {
	f := newFixture(apiFailure("rate limited"))

	reply, err := f.svc.HandleTurn(context.Background(), TurnRequest{UserID: studentID, CourseID: testCourseID, Audio: "AAAA"})
	require.NoError(t, err)
	assert.False(t, reply.Result)
	assert.Equal(t, "what is week 2 about", reply.Transcription)
	assert.Equal(t, "en", f.transcriber.lang, "falls back to the user's locale")
}

func TestHandleTurnTranscriptionError(t *testing.T) {
	f := newFixture()
	f.transcriber.err = errors.New("whisper down")

	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{UserID: studentID, CourseID: testCourseID, Audio: "AAAA"})
	var terr *TranscriptionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, f.llm.calls())
	assert.Empty(t, f.history(studentID))
}

func TestHandleTurnTextHasNoTranscription(t *testing.T) {
	f := newFixture()
	reply, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "hi"))
	require.NoError(t, err)
	assert.Empty(t, reply.Transcription)
}

func TestHandleTurnNormalizationIsDeterministic(t *testing.T) {
	f := newFixture()
	raw := "  <b>Explain</b> week <i>two</i>\n"

	_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, raw))
	require.NoError(t, err)
	_, err = f.svc.HandleTurn(context.Background(), textTurn(studentID, raw))
	require.NoError(t, err)

	history := f.history(studentID)
	require.Len(t, history, 4)
	assert.Equal(t, "Explain week two", history[0].Content)
	assert.Equal(t, history[0].Content, history[2].Content)
}

func TestHandleTurnResetsWhenFirstEntryEmpty(t *testing.T) {
	f := newFixture()
	key := domain.SessionKey{UserID: studentID, CourseID: testCourseID}
	require.NoError(t, f.sessions.Append(context.Background(), key, domain.ConversationMessage{}))
	require.NoError(t, f.sessions.Append(context.Background(), key, domain.ConversationMessage{Role: domain.RoleUser, Content: "old"}))

	_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "new"))
	require.NoError(t, err)

	history := f.history(studentID)
	require.Len(t, history, 2)
	assert.Equal(t, "new", history[0].Content)
}

func TestHandleTurnKeepsNonEmptyHistory(t *testing.T) {
	f := newFixture()
	_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "first"))
	require.NoError(t, err)
	_, err = f.svc.HandleTurn(context.Background(), textTurn(studentID, "second"))
	require.NoError(t, err)
	assert.Len(t, f.history(studentID), 4)
}

func TestHandleTurnRejectsUnknownCourseAndEmptyMessage(t *testing.T) {
	f := newFixture()

	_, err := f.svc.HandleTurn(context.Background(), TurnRequest{UserID: studentID, CourseID: 999, Message: "hi"})
	require.ErrorIs(t, err, ErrCourseNotFound)

	_, err = f.svc.HandleTurn(context.Background(), textTurn(studentID, "  <br/> "))
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, f.llm.calls())
}

func TestHandleTurnSerializesSameKey(t *testing.T) {
	f := newFixture()
	f.llm.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, fmt.Sprintf("q%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.llm.maxInFlight)
	history := f.history(studentID)
	require.Len(t, history, 8)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, domain.RoleUser, history[i].Role)
		assert.Equal(t, domain.RoleSystem, history[i+1].Role)
	}
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestHandleTurnWaitingOnBusyKeyHonorsContext(t *testing.T) {
	f := newFixture()
	f.llm.delay = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "first"))
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&f.llm.inFlight) == 1 }, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.svc.HandleTurn(ctx, textTurn(studentID, "second"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	<-done
	history := f.history(studentID)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestHandleTurnCancelled(t *testing.T) {
	f := newFixture()
	f.llm.delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.svc.HandleTurn(ctx, textTurn(studentID, "hi"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHistoryAndReset(t *testing.T) {
	f := newFixture()
	_, err := f.svc.HandleTurn(context.Background(), textTurn(studentID, "hi"))
	require.NoError(t, err)

	key := domain.SessionKey{UserID: studentID, CourseID: testCourseID}
	history, err := f.svc.History(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, f.svc.Reset(context.Background(), key))
	history, err = f.svc.History(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{}, Settings{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "required"))
}
