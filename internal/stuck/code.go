package stuck

import (
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var differ = diffmatchpatch.New()

// codeDelta returns how many non-whitespace characters were inserted or
// deleted between two editor snapshots. Reformatting alone yields zero.
func codeDelta(prev, next string) int {
	if prev == next {
		return 0
	}
	changed := 0
	for _, d := range differ.DiffMain(prev, next, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		for _, r := range d.Text {
			if !unicode.IsSpace(r) {
				changed++
			}
		}
	}
	return changed
}
