package diff

import (
	"bytes"
	"fmt"
)

// Line is one line of a hunk. OldNum and NewNum are one-based and zero on the
// side the line does not exist on.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult is the line diff between two versions of a file.
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk is a run of edits with its surrounding context. Starts are one-based.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine diffs file contents, keeping contextLines unchanged lines around
// every edit.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{contextLines: contextLines}
}

// Diff compares two versions of a file line by line. Line separators are
// normalized first, so content differing only in \r\n versus \n yields no hunks.
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	oldLines := splitLines(NormalizeLineSeparators(oldContent))
	newLines := splitLines(NormalizeLineSeparators(newContent))

	ops := editScript(oldLines, newLines)
	result := &DiffResult{Hunks: e.hunks(ops, oldLines, newLines)}
	for _, o := range ops {
		switch o.typ {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result, nil
}

// hunks groups changed operations with up to contextLines of context on each
// side, merging groups whose context would touch.
func (e *Engine) hunks(ops []op, oldLines, newLines [][]byte) []Hunk {
	var hunks []Hunk
	n := len(ops)
	k := 0
	for k < n {
		if ops[k].typ == Context {
			k++
			continue
		}
		start := max(0, k-e.contextLines)
		end := k
		for end < n {
			if ops[end].typ != Context {
				end++
				continue
			}
			// Look ahead: keep going if another change is within reach.
			run := end
			for run < n && ops[run].typ == Context {
				run++
			}
			if run < n && run-end <= 2*e.contextLines {
				end = run
				continue
			}
			end = min(n, end+e.contextLines)
			break
		}

		h := Hunk{OldStart: ops[start].old + 1, NewStart: ops[start].new + 1}
		for _, o := range ops[start:end] {
			switch o.typ {
			case Context:
				h.Lines = append(h.Lines, Line{Type: Context, Content: string(oldLines[o.old]), OldNum: o.old + 1, NewNum: o.new + 1})
				h.OldLines++
				h.NewLines++
			case Deletion:
				h.Lines = append(h.Lines, Line{Type: Deletion, Content: string(oldLines[o.old]), OldNum: o.old + 1})
				h.OldLines++
			case Addition:
				h.Lines = append(h.Lines, Line{Type: Addition, Content: string(newLines[o.new]), NewNum: o.new + 1})
				h.NewLines++
			}
		}
		hunks = append(hunks, h)
		k = end
	}
	return hunks
}

// Format renders r in a unified-like text form, one "@@" header per hunk.
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+ ")
			case Deletion:
				buf.WriteString("- ")
			case Context:
				buf.WriteString("  ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}
