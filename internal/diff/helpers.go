package diff

import "bytes"

// maxMatrixCells bounds the LCS table. Larger inputs are diffed as a full
// replacement of the differing middle section.
const maxMatrixCells = 16 << 20

type op struct {
	typ      LineType
	old, new int // zero-based indexes into the old and new lines
}

// splitLines splits normalized content into lines without their terminators.
func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// editScript returns the line operations turning oldLines into newLines.
func editScript(oldLines, newLines [][]byte) []op {
	var ops []op

	// Common prefix and suffix never take part in the LCS.
	pre := 0
	for pre < len(oldLines) && pre < len(newLines) && bytes.Equal(oldLines[pre], newLines[pre]) {
		ops = append(ops, op{typ: Context, old: pre, new: pre})
		pre++
	}
	suf := 0
	for suf < len(oldLines)-pre && suf < len(newLines)-pre &&
		bytes.Equal(oldLines[len(oldLines)-1-suf], newLines[len(newLines)-1-suf]) {
		suf++
	}

	a := oldLines[pre : len(oldLines)-suf]
	b := newLines[pre : len(newLines)-suf]
	if len(a)*len(b) > maxMatrixCells {
		for i := range a {
			ops = append(ops, op{typ: Deletion, old: pre + i, new: pre})
		}
		for j := range b {
			ops = append(ops, op{typ: Addition, old: pre + len(a), new: pre + j})
		}
	} else {
		lcs := buildLCSMatrix(a, b)
		i, j := 0, 0
		for i < len(a) || j < len(b) {
			switch {
			case i < len(a) && j < len(b) && bytes.Equal(a[i], b[j]):
				ops = append(ops, op{typ: Context, old: pre + i, new: pre + j})
				i++
				j++
			case j == len(b) || (i < len(a) && lcs[i+1][j] >= lcs[i][j+1]):
				ops = append(ops, op{typ: Deletion, old: pre + i, new: pre + j})
				i++
			default:
				ops = append(ops, op{typ: Addition, old: pre + i, new: pre + j})
				j++
			}
		}
	}

	for k := suf; k > 0; k-- {
		ops = append(ops, op{typ: Context, old: len(oldLines) - k, new: len(newLines) - k})
	}
	return ops
}

// buildLCSMatrix returns m where m[i][j] is the LCS length of a[i:] and b[j:].
func buildLCSMatrix(a, b [][]byte) [][]int {
	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
	}

	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if bytes.Equal(a[i], b[j]) {
				matrix[i][j] = matrix[i+1][j+1] + 1
			} else {
				matrix[i][j] = max(matrix[i+1][j], matrix[i][j+1])
			}
		}
	}

	return matrix
}

// NormalizeLineSeparators converts \r\n and lone \r to \n.
func NormalizeLineSeparators(content []byte) []byte {
	if bytes.IndexByte(content, '\r') < 0 {
		return content
	}
	out := make([]byte, 0, len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\r' {
			out = append(out, '\n')
			if i+1 < len(content) && content[i+1] == '\n' {
				i++
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// EqualIgnoringLineSeparators reports whether a and b differ at most in line separators.
func EqualIgnoringLineSeparators(a, b []byte) bool {
	return bytes.Equal(NormalizeLineSeparators(a), NormalizeLineSeparators(b))
}
