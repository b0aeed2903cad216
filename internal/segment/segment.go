// Package segment splits narration text into bounded chunks suitable for one
// synthesis request each. Splitting is pure string work: the same input always
// yields the same chunks, and re-segmenting any produced chunk yields that
// chunk back unchanged.
package segment

import (
	"regexp"
	"strings"
	"unicode"
)

// Chunk is one bounded piece of narration text. Offset is the chunk's start
// position (in runes) within the cleaned source text plus the caller-supplied
// base offset, so paragraph-level playback requests can be resolved back to an
// absolute position.
type Chunk struct {
	Text   string
	Offset int
}

// backtrackWindow bounds how far Split looks back from the budget boundary for
// a paragraph break, line break, or space before hard-cutting.
const backtrackWindow = 200

var (
	imagePattern      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingPattern    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	blockquotePattern = regexp.MustCompile(`(?m)^(?:>[ \t]?)+`)
	bulletPattern     = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	orderedPattern    = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]+`)
	rulePattern       = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,})[ \t]*$`)
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)

	emphasisReplacer = strings.NewReplacer("**", "", "__", "", "*", "", "`", "")
)

// Strip removes structural markup so length budgets reflect what will actually
// be spoken: headings, emphasis markers, list bullets, block quotes, horizontal
// rules, and link/image syntax collapsed to the visible label. The pass is
// repeated until the text stops changing: removing one layer can expose
// another (`*# Title*` leaves a heading behind), and a stable result is what
// makes re-segmenting a produced chunk return that chunk unchanged.
func Strip(text string) string {
	for {
		next := stripOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func stripOnce(text string) string {
	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = rulePattern.ReplaceAllString(text, "")
	text = headingPattern.ReplaceAllString(text, "")
	text = blockquotePattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "")
	text = orderedPattern.ReplaceAllString(text, "")
	text = emphasisReplacer.Replace(text)
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return text
}

// Split strips markup from text and greedily fills chunks up to budget runes.
// When a chunk would exceed the budget it backtracks within the trailing
// backtrackWindow runes to the latest paragraph break, else line break, else
// space; with no such break the chunk is cut at the hard limit. Empty chunks
// are dropped. Offsets are relative to the cleaned text, shifted by
// startOffset.
func Split(text string, startOffset, budget int) []Chunk {
	if budget <= 0 {
		return nil
	}

	runes := []rune(Strip(text))
	var chunks []Chunk

	start := 0
	for start < len(runes) {
		cut := len(runes)
		if cut-start > budget {
			cut = start + budget
			if at := breakBefore(runes, start, cut); at > start {
				cut = at
			}
		}

		piece := runes[start:cut]
		lead := 0
		for lead < len(piece) && unicode.IsSpace(piece[lead]) {
			lead++
		}
		trimmed := strings.TrimRightFunc(string(piece[lead:]), unicode.IsSpace)
		if trimmed != "" {
			chunks = append(chunks, Chunk{
				Text:   trimmed,
				Offset: startOffset + start + lead,
			})
		}
		start = cut
	}

	return chunks
}

// breakBefore returns the cut position of the best natural break inside the
// trailing backtrack window of runes[start:limit], or start when none exists.
func breakBefore(runes []rune, start, limit int) int {
	windowStart := limit - backtrackWindow
	if windowStart < start {
		windowStart = start
	}

	paragraph, line, space := -1, -1, -1
	for i := limit - 1; i >= windowStart; i-- {
		switch runes[i] {
		case '\n':
			if i > windowStart && runes[i-1] == '\n' && paragraph < 0 {
				paragraph = i + 1
			}
			if line < 0 {
				line = i + 1
			}
		case ' ', '\t':
			if space < 0 {
				space = i + 1
			}
		}
		if paragraph >= 0 {
			break
		}
	}

	switch {
	case paragraph > start:
		return paragraph
	case line > start:
		return line
	case space > start:
		return space
	default:
		return start
	}
}
