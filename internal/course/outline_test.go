package course

import (
	"testing"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/stretchr/testify/assert"
)

func sampleCourse() *domain.Course {
	return &domain.Course{
		ID:       5,
		Fullname: "Python Basics",
		Sections: []domain.Section{
			{Number: 0, Modules: []domain.Module{
				{ID: 10, Kind: "forum", Name: "Announcements", Visible: true},
			}},
			{Number: 1, Name: "Getting started", Modules: []domain.Module{
				{ID: 11, Kind: "page", Name: "Install Python", Visible: true,
					Summary: "<p>Download   the\n<strong>installer</strong> <img src='a.png'> today</p>"},
				{ID: 12, Kind: "quiz", Name: "Draft quiz", Visible: false},
				{ID: 13, Kind: "label", Name: "Note", Visible: true, Summary: "<p>ok</p>"},
			}},
			{Number: 2, Name: "Empty week"},
		},
	}
}

func TestBuildOutlineForStudent(t *testing.T) {
	got := BuildOutline(sampleCourse(), &domain.User{UserID: "s"}, "https://lms.example")

	want := "* General\n" +
		"** [Announcements](https://lms.example/mod/forum/view.php?id=10)\n" +
		"* Getting started\n" +
		"** [Install Python](https://lms.example/mod/page/view.php?id=11)\n" +
		"*** summary: Download the installer today\n" +
		"** [Note]()\n"
	assert.Equal(t, want, got)
}

func TestBuildOutlineShowsHiddenModulesToTeachers(t *testing.T) {
	got := BuildOutline(sampleCourse(), &domain.User{UserID: "t", CanCreateCourse: true}, "https://lms.example")
	assert.Contains(t, got, "** [Draft quiz](https://lms.example/mod/quiz/view.php?id=12)\n")
	assert.NotContains(t, got, "Empty week")
}

func TestBuildOutlineNilCourse(t *testing.T) {
	assert.Empty(t, BuildOutline(nil, nil, ""))
}

func TestCleanSummary(t *testing.T) {
	assert.Equal(t, "", CleanSummary(""))
	assert.Equal(t, "a b", CleanSummary("<div>a</div>\n\n<div>b</div>"))
	assert.Equal(t, "", CleanSummary(`<img src="x.png" alt="pic">`))
}
