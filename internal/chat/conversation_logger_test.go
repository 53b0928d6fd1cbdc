package chat

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLoggerWritesPerCourseNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		UserID:     "user-1",
		CourseID:   5,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: "<p>Hello   <strong>there</strong></p>",
	})

	path := filepath.Join(dir, "user-1", "course-5.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "<p>Hello   <strong>there</strong></p>", got.ContentRaw)
	assert.Equal(t, "Hello there", got.Content)
	assert.Equal(t, int64(5), got.CourseID)
}

func TestConversationLoggerSanitizesUserDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{UserID: "../../escape", CourseID: 1, ContentRaw: "x"})
	require.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, ".._.._escape", "course-1.ndjson"))
	require.NoError(t, err)
}

func TestConversationLoggerDropsEventsAfterClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	assert.NotPanics(t, func() {
		logger.Log(ConversationLogEvent{UserID: "late", CourseID: 9, ContentRaw: "after shutdown"})
	})
	assert.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, "late"))
	assert.True(t, os.IsNotExist(err))
}

func TestConversationLoggerConcurrentLogAndClose(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: t.TempDir(), QueueSize: 8}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Log(ConversationLogEvent{UserID: "u", CourseID: 1, ContentRaw: "x"})
			}
		}()
	}
	require.NoError(t, logger.Close())
	wg.Wait()
}

func TestConversationLoggerDisabledIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{UserID: "u"})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadabilityStripsMarkup(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("<h1>Title</h1>\n<p>plain &amp; simple</p>")
	assert.Equal(t, "Title plain & simple", clean)
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
