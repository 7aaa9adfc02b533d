package runner

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// lineStats counts lines added and removed between two versions of a
// file using a line-granular diff.
func lineStats(before, after string) (added, removed int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}
