package translator

import (
	"regexp"
	"strings"
)

// History reasoning stripping: when reasoning_output_mode is think_tag,
// prior assistant turns carry their reasoning inline as <think>...</think>
// and must have it removed before being replayed upstream — the upstream
// session only ever sees a model's own reasoning once, never echoed back
// as history.

var (
	quickThinkRe    = regexp.MustCompile(`(?i)<\s*/?\s*think\b`)
	thinkTagRe      = regexp.MustCompile(`(?i)<\s*(/?)\s*think\b[^<>]*>`)
	inlineCodeRe    = regexp.MustCompile("`+[^`]+`+")
)

type codeRegion struct{ start, end int }

// StripThinkTags removes <think>...</think> spans from text, leaving
// spans inside fenced (```/~~~) or inline code untouched. An unclosed
// <think> truncates the remainder of the text.
func StripThinkTags(text string) string {
	if text == "" || !quickThinkRe.MatchString(text) {
		return text
	}

	regions := findCodeRegions(text)
	matches := thinkTagRe.FindAllStringSubmatchIndex(text, -1)

	var out strings.Builder
	out.Grow(len(text))

	lastIndex := 0
	inThink := false

	for _, m := range matches {
		idx, end := m[0], m[1]
		isClose := m[2] != m[3]

		if insideCode(idx, regions) {
			continue
		}

		if !inThink {
			out.WriteString(text[lastIndex:idx])
			if !isClose {
				inThink = true
			}
		} else if isClose {
			inThink = false
		}
		lastIndex = end
	}

	if !inThink {
		out.WriteString(text[lastIndex:])
	}

	return strings.TrimSpace(out.String())
}

func findCodeRegions(text string) []codeRegion {
	var regions []codeRegion
	regions = append(regions, findFencedBlocks(text, "```")...)
	regions = append(regions, findFencedBlocks(text, "~~~")...)

	for _, m := range inlineCodeRe.FindAllStringIndex(text, -1) {
		fenced := false
		for _, r := range regions {
			if m[0] >= r.start && m[1] <= r.end {
				fenced = true
				break
			}
		}
		if !fenced {
			regions = append(regions, codeRegion{m[0], m[1]})
		}
	}
	return regions
}

func findFencedBlocks(text, fence string) []codeRegion {
	var regions []codeRegion
	offset := 0
	for offset < len(text) {
		idx := strings.Index(text[offset:], fence)
		if idx < 0 {
			break
		}
		start := offset + idx
		if start > 0 && text[start-1] != '\n' {
			offset = start + len(fence)
			continue
		}
		lineEnd := strings.Index(text[start:], "\n")
		if lineEnd < 0 {
			break
		}
		searchFrom := start + lineEnd + 1
		closeIdx := -1
		pos := searchFrom
		for pos < len(text) {
			ci := strings.Index(text[pos:], fence)
			if ci < 0 {
				break
			}
			cand := pos + ci
			if cand == 0 || text[cand-1] == '\n' {
				closeIdx = cand
				break
			}
			pos = cand + len(fence)
		}
		if closeIdx >= 0 {
			end := closeIdx + len(fence)
			if nl := strings.Index(text[end:], "\n"); nl >= 0 {
				end += nl + 1
			} else {
				end = len(text)
			}
			regions = append(regions, codeRegion{start, end})
			offset = end
		} else {
			regions = append(regions, codeRegion{start, len(text)})
			break
		}
	}
	return regions
}

func insideCode(pos int, regions []codeRegion) bool {
	for _, r := range regions {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}
