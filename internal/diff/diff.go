package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

const MaxDiffLines = 500

func TextDiff(before, after string) []Line {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, diff := range diffs {
		chunkLines := strings.Split(diff.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// Summary renders a compact +/- view of a text change, suitable for a tool
// result the model reads back. Context lines are elided.
func Summary(before, after string) string {
	if before == after {
		return "(no change)"
	}
	if lineCount(before)+lineCount(after) > MaxDiffLines {
		return "(change too large to summarize)"
	}
	var sb strings.Builder
	for _, line := range TextDiff(before, after) {
		switch line.Type {
		case LineRemoved:
			sb.WriteString("- " + line.Text + "\n")
		case LineAdded:
			sb.WriteString("+ " + line.Text + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
