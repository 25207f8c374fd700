// Package thinking strips reasoning-trace markers from assistant output.
//
// Models that expose their chain of thought wrap it in pseudo-XML tags such as
// <think>...</think>. The proxy removes the markers (not the enclosed text,
// which mirrors how streamed deltas render in the UI) before a final is
// persisted or emitted to a browser client.
package thinking

import (
	"regexp"
	"strings"
)

// tagPattern matches opening and closing forms of every known reasoning-trace
// tag family, case-insensitive.
var tagPattern = regexp.MustCompile(`(?i)</?(?:think|thinking|thought|antthinking)>`)

// Strip removes reasoning-trace tag markers from text and trims surrounding
// whitespace. The transform is idempotent: Strip(Strip(s)) == Strip(s).
func Strip(text string) string {
	if !strings.Contains(text, "<") {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(tagPattern.ReplaceAllString(text, " "))
}
