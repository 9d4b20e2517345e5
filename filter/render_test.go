package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text",
			input:    "hello",
			expected: "<p>hello</p>",
		},
		{
			name:     "emphasis",
			input:    "**hi** there",
			expected: "<p><strong>hi</strong> there</p>",
		},
		{
			name:     "blank",
			input:    "  \n ",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Render(tt.input))
		})
	}
}

func TestRenderStripsScripts(t *testing.T) {
	out := Render("hi <script>alert(1)</script>")
	assert.NotContains(t, out, "<script")
	assert.Contains(t, out, "hi")

	out = Render(`<img src=x onerror="alert(1)">`)
	assert.NotContains(t, out, "onerror")
}

func TestRenderLinks(t *testing.T) {
	out := Render("[site](https://example.com)")
	assert.Contains(t, out, `href="https://example.com"`)
	assert.Contains(t, out, "nofollow")
	assert.Contains(t, out, `target="_blank"`)

	out = Render("[x](javascript:alert(1))")
	assert.NotContains(t, out, `href="javascript`)
}

func TestRenderKeepsLineBreaks(t *testing.T) {
	assert.Contains(t, Render("one\ntwo"), "<br")
}

func TestPlain(t *testing.T) {
	assert.Equal(t, "alice", Plain("<b>alice</b>"))
	assert.Equal(t, "a &amp; b", Plain("a & b"))
}
