package prompt

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// topline lays out left, center, and right on one terminal row. The gaps are
// filled with runs of ruleChar, and when the leftover space is odd the extra
// column goes to the left run. If the parts already overflow the row the rule
// collapses and they run together.
func topline(left, center, right, ruleChar string, width int) string {
	if ruleChar == "" {
		ruleChar = "~"
	}
	fill := width - ansi.StringWidth(left) - ansi.StringWidth(center) - ansi.StringWidth(right)
	if fill <= 0 {
		return left + center + right
	}
	half := fill / 2
	return left + strings.Repeat(ruleChar, half+fill%2) + center + strings.Repeat(ruleChar, half) + right
}
