// Package bates assigns Bates labels to the pages of an ordered document set.
package bates

import (
	"strconv"
	"strings"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf"
)

// Label formats a Bates counter as prefix-NNNNN. padWidth is a floor: counters wider
// than padWidth are written in full, never truncated.
func Label(prefix string, counter int64, padWidth int) string {
	return prefix + "-" + zeroPad(counter, padWidth)
}

// ValidPrefix reports whether prefix can be drawn by the stamp overlay.
func ValidPrefix(prefix string) bool {
	return strings.TrimSpace(prefix) != "" && pdf.ValidLabel(prefix)
}

// ExhibitLabel formats a display label such as "Exhibit 3" or "Exhibit 003".
func ExhibitLabel(prefix string, index int, padWidth int) string {
	return prefix + " " + zeroPad(int64(index), padWidth)
}

func zeroPad(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}
