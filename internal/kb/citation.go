package kb

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Citation markers arrive in the answer text as [n], [ID:n] or [ID n].
// Bare [n] numbers sources from 1; the ID forms carry raw 0-based chunk
// indices. Both are converted to a canonical 0-based index here.
var (
	citationRunRe    = regexp.MustCompile(`(?:\[\s*(?:(?i:ID)[\s:：]*)?\d+\s*\])+`)
	citationMarkerRe = regexp.MustCompile(`\[\s*((?i:ID)[\s:：]*)?(\d+)\s*\]`)
)

// trailingPunct is the punctuation hoisted in front of a citation group so
// citations never trail after the mark that closes their sentence.
const trailingPunct = "。！？；，,.!?:;"

// NormalizeCitations rewrites every run of adjacent citation markers into a
// single {cite:i,j,...} token resolvable against a reference batch of
// sourceCount entries. The output contains no bracket markers, and running
// the function on its own output changes nothing.
func NormalizeCitations(text string, sourceCount int) string {
	locs := citationRunRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, loc := range locs {
		b.WriteString(text[prev:loc[0]])

		indices := markerIndices(text[loc[0]:loc[1]], sourceCount)

		end := loc[1]
		if r, size := utf8.DecodeRuneInString(text[end:]); size > 0 && strings.ContainsRune(trailingPunct, r) {
			b.WriteRune(r)
			end += size
		}
		b.WriteString(citeToken(indices))
		prev = end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// markerIndices converts one marker run into deduplicated 0-based indices.
// An out-of-range index falls back to the one before it when that is in
// range; otherwise it is dropped and the renderer shows no source for it.
func markerIndices(group string, sourceCount int) []int {
	matches := citationMarkerRe.FindAllStringSubmatch(group, -1)
	seen := make(map[int]bool, len(matches))
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		idx := n
		if m[1] == "" {
			idx = n - 1
		}
		if idx < 0 || idx >= sourceCount {
			if idx-1 >= 0 && idx-1 < sourceCount {
				idx--
			} else {
				continue
			}
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out
}

func citeToken(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return "{cite:" + strings.Join(parts, ",") + "}"
}
