package pipeline

import (
	"regexp"
	"strings"
)

var blankLine = regexp.MustCompile(`\r?\n[ \t]*\r?\n`)

// SplitFragments cuts plain text into paragraph fragments on blank lines.
// Each fragment is trimmed and empty fragments are dropped.
func SplitFragments(text string) []string {
	var out []string
	for _, part := range blankLine.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ChunkText packs the words of text into chunks of about size characters.
// Every chunk after the first starts with trailing words of the previous one,
// at most overlap characters of them.
func ChunkText(text string, size, overlap int) []string {
	if size < 1 {
		size = 1
	}
	var chunks, cur []string
	width, fresh := 0, 0
	for _, w := range strings.Fields(text) {
		cur = append(cur, w)
		width += len(w) + 1
		fresh++
		if width < size {
			continue
		}
		chunks = append(chunks, strings.Join(cur, " "))
		keep, kept := 0, 0
		for i := len(cur) - 1; i > 0; i-- {
			if kept+len(cur[i])+1 > overlap {
				break
			}
			kept += len(cur[i]) + 1
			keep++
		}
		cur = append([]string(nil), cur[len(cur)-keep:]...)
		width, fresh = kept, 0
	}
	if fresh > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}
