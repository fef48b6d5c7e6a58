package sync

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/jscharber/coursemirror/pkg/core"
)

func TestNamer_Sanitize(t *testing.T) {
	n := NewNamer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "Algebra I", expected: "Algebra I"},
		{name: "markup stripped", input: "<em>Intro</em> to <b>Logic</b>", expected: "Intro to Logic"},
		{name: "entities decoded", input: "Q&amp;A session", expected: "Q&A session"},
		{name: "illegal characters", input: `Math: 1/2 * "half"?`, expected: "Math- 1-2 - -half--"},
		{name: "whitespace collapsed", input: "  Week \t 1\n  ", expected: "Week 1"},
		{name: "trailing dots", input: "Chapter 3...", expected: "Chapter 3"},
		{name: "composed unicode", input: "Café", expected: "Café"},
		{name: "empty after cleanup", input: "<p></p> . ", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.Sanitize(tt.input))
		})
	}
}

func TestNamer_SanitizeTruncates(t *testing.T) {
	n := NewNamer()
	long := strings.Repeat("é", MaxFolderNameLength+20)

	out := n.Sanitize(long)
	assert.Equal(t, MaxFolderNameLength, utf8.RuneCountInString(out))
}

func TestNamer_Filters(t *testing.T) {
	n := NewNamer(func(name string, e core.Entity) string {
		if e.Kind == core.KindLesson {
			return "Lesson - " + name
		}
		return name
	})
	n.AddFilter(func(name string, _ core.Entity) string {
		return strings.ToUpper(name)
	})

	assert.Equal(t, "ALGEBRA", n.FolderName(core.Entity{Kind: core.KindCourse, Title: "Algebra"}))
	assert.Equal(t, "LESSON - WEEK 1", n.FolderName(core.Entity{Kind: core.KindLesson, Title: "Week 1"}))
}
