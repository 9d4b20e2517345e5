// Package filter turns user written message text into HTML that is safe to embed.
package filter

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

const extensions = blackfriday.CommonExtensions | blackfriday.HardLineBreak

var (
	ugc    = newUGCPolicy()
	strict = bluemonday.StrictPolicy()
)

func newUGCPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}

// Render converts markdown text to sanitized HTML.
func Render(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	unsafe := blackfriday.Run([]byte(text), blackfriday.WithExtensions(extensions))
	return strings.TrimSpace(string(ugc.SanitizeBytes(unsafe)))
}

// Plain strips every tag from text, for labels like usernames and group names.
func Plain(text string) string {
	return strict.Sanitize(text)
}
