package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*domain.User)}
}

func (f *fakeUserRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeUserRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *user
	f.users[user.UserID] = &copied
	return nil
}

func serve(t *testing.T, repo *fakeUserRepo, opts Options, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(repo, opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	repo := newFakeUserRepo()
	rec, userID := serve(t, repo, Options{IsDev: true, DefaultLang: "es"}, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, isValidAnonID(userID))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, userID, cookies[0].Value)

	user := repo.users[userID]
	require.NotNil(t, user)
	assert.Equal(t, "es", user.Lang)
	assert.False(t, user.IsTeacherOrAdmin())
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	repo := newFakeUserRepo()
	id := "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})

	_, userID := serve(t, repo, Options{IsDev: true}, req)
	assert.Equal(t, id, userID)
}

func TestMiddlewareIgnoresHeaderUnlessTrusted(t *testing.T) {
	repo := newFakeUserRepo()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "teacher-1")

	_, userID := serve(t, repo, Options{IsDev: true}, req)
	assert.NotEqual(t, "teacher-1", userID)

	_, userID = serve(t, repo, Options{IsDev: true, TrustUserHeader: true, AdminUserIDs: []string{"teacher-1"}}, req)
	assert.Equal(t, "teacher-1", userID)
	require.NotNil(t, repo.users["teacher-1"])
	assert.True(t, repo.users["teacher-1"].IsTeacherOrAdmin())
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "../../etc")
	rec, _ := serve(t, newFakeUserRepo(), Options{TrustUserHeader: true}, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnsureUserKeepsExistingRecord(t *testing.T) {
	repo := newFakeUserRepo()
	require.NoError(t, repo.UpsertUser(context.Background(), &domain.User{UserID: "u", Lang: "pt", CanCreateCourse: true}))

	user, err := ensureUser(context.Background(), repo, "u", Options{DefaultLang: "en"})
	require.NoError(t, err)
	assert.Equal(t, "pt", user.Lang)
	assert.True(t, user.CanCreateCourse)
}
