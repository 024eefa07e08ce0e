package prompt

import (
	"strconv"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"mvdan.cc/sh/v3/syntax"

	"github.com/gilbus/promptd/internal/dirinfo"
)

// gitBadge renders "[(B) main|!+|]": (B) branch, (D) detached head, (T) tag.
// Modifier letters appear only when the work tree is dirty and keep ASCII
// order: ! modified, + added, - deleted, ? untracked.
func gitBadge(st Styler, info *dirinfo.GitInfo) string {
	if info == nil {
		return ""
	}
	marker := "(B)"
	switch info.Kind {
	case dirinfo.HeadDetached:
		marker = "(D)"
	case dirinfo.HeadTag:
		marker = "(T)"
	}
	var mods strings.Builder
	if info.Modified {
		mods.WriteByte('!')
	}
	if info.Added {
		mods.WriteByte('+')
	}
	if info.Deleted {
		mods.WriteByte('-')
	}
	if info.Untracked {
		mods.WriteByte('?')
	}
	badge := "[" + marker + " " + info.Head
	if mods.Len() > 0 {
		badge += "|" + mods.String() + "|"
	}
	badge += "]"
	return st.paint(badge, colorBlue)
}

// lastCmdBadge shows the previous command line, shell-quoted so its spacing
// stays unambiguous inside the brackets.
func lastCmdBadge(st Styler, cmd string) string {
	if cmd == "" {
		return ""
	}
	q, err := syntax.Quote(cmd, syntax.LangBash)
	if err != nil {
		q = cmd
	}
	return st.paint("["+q+"]", colorGreen)
}

// shortenPWD substitutes ~ for the home prefix and left-truncates paths that
// exceed maxLen runes, keeping the tail.
func shortenPWD(pwd, home string, maxLen int) string {
	if home != "" {
		if pwd == home {
			pwd = "~"
		} else if rest, ok := strings.CutPrefix(pwd, home+"/"); ok {
			pwd = "~/" + rest
		}
	}
	runes := []rune(pwd)
	if maxLen > 3 && len(runes) > maxLen {
		pwd = "..." + string(runes[len(runes)-(maxLen-3):])
	}
	return pwd
}

func pwdSegment(st Styler, pwd, home string, maxLen int) string {
	if pwd == "" {
		return ""
	}
	return st.paint("("+shortenPWD(pwd, home, maxLen)+")", colorTeal)
}

func clockBadge(st Styler, now time.Time) string {
	return st.paint(now.Format("[15:04:05]"), colorGray)
}

// envBadge renders "[<glyph><basename>]" for an activated environment, e.g.
// [🐍venv]. Empty values render nothing.
func envBadge(st Styler, glyph, value string, c termenv.Color) string {
	if value == "" {
		return ""
	}
	name := value
	if i := strings.LastIndexByte(value, '/'); i >= 0 {
		name = value[i+1:]
	}
	return st.paint("["+glyph+name+"]", c)
}

func projectBadge(st Styler, p *dirinfo.Project) string {
	if p == nil || p.Name == "" {
		return ""
	}
	return st.paint("[⚙ "+p.Name+"]", colorPurple)
}

// statusBadge renders "N ⏎" for a nonzero exit status. Zero, empty, and
// garbage all render nothing.
func statusBadge(st Styler, exitCode string) string {
	n, err := strconv.Atoi(strings.TrimSpace(exitCode))
	if err != nil || n == 0 {
		return ""
	}
	return st.paint(strconv.Itoa(n)+" ⏎", colorRed)
}
