package prompt

import (
	"regexp"

	"github.com/muesli/termenv"
)

// 256-color palette used by the segments.
var (
	colorRed    = termenv.ANSI256Color(1)
	colorGreen  = termenv.ANSI256Color(2)
	colorBlue   = termenv.ANSI256Color(4)
	colorPurple = termenv.ANSI256Color(5)
	colorTeal   = termenv.ANSI256Color(6)
	colorGray   = termenv.ANSI256Color(21)
)

// Styler paints prompt fragments. Construct with NewStyler.
type Styler struct {
	profile termenv.Profile
	// wrap additionally encloses every escape sequence in %{…%} so the zsh
	// line editor keeps its cursor accounting right. PROMPT and RPROMPT
	// need this; the topline is printed, not interpreted by the editor.
	wrap bool
}

// NewStyler returns a Styler emitting 256-color sequences, or plain text
// when color is off.
func NewStyler(color bool) Styler {
	if !color {
		return Styler{profile: termenv.Ascii}
	}
	return Styler{profile: termenv.ANSI256}
}

// wrapped returns a copy of st that %-escapes sequences for the line editor.
func (st Styler) wrapped() Styler {
	st.wrap = true
	return st
}

// paint wraps s in foreground color sequences. Empty input stays empty.
func (st Styler) paint(s string, c termenv.Color) string {
	if s == "" {
		return ""
	}
	out := st.profile.String(s).Foreground(st.profile.Convert(c)).String()
	if st.wrap {
		out = zeroWidth(out)
	}
	return out
}

var sgrSeq = regexp.MustCompile("\x1b\\[[0-9;]*m")

func zeroWidth(s string) string {
	return sgrSeq.ReplaceAllStringFunc(s, func(seq string) string {
		return "%{" + seq + "%}"
	})
}
