// Package protocol implements the promptd wire format. A request is the
// shell's exported environment as NUL-separated KEY=VALUE records (the output
// of `env -0`), framed by EOF. A response is zsh source text: at most one
// topline command followed by export statements, with every value quoted so
// that evaluating the script assigns exactly the literal the daemon produced.
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Environ is one decoded environment snapshot.
type Environ map[string]string

// First returns the value of the first key that is set and non-empty.
func (e Environ) First(keys ...string) string {
	for _, k := range keys {
		if v := e[k]; v != "" {
			return v
		}
	}
	return ""
}

// MalformedRecordError reports a request record that is not a KEY=VALUE pair.
type MalformedRecordError struct {
	// Index is the zero-based position of the record in the request.
	Index int
	// Record is the offending record text.
	Record string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed environment record %d: %.40q", e.Index, e.Record)
}

// Decode parses a request body into an environment snapshot. Records are
// separated by NUL bytes and split at the first '='; later occurrences of a
// key overwrite earlier ones. A trailing NUL and an empty body are fine, but
// a record without '=' or with an empty key returns a MalformedRecordError.
func Decode(data []byte) (Environ, error) {
	records := bytes.Split(data, []byte{0})
	// env -0 terminates every record, leaving one empty element after the
	// final NUL.
	if n := len(records); n > 0 && len(records[n-1]) == 0 {
		records = records[:n-1]
	}
	env := make(Environ, len(records))
	for i, record := range records {
		key, value, ok := bytes.Cut(record, []byte{'='})
		if !ok || len(key) == 0 {
			return nil, &MalformedRecordError{Index: i, Record: string(record)}
		}
		env[string(key)] = string(value)
	}
	return env, nil
}

// EncodeEnviron builds a request body from a snapshot in the form returned
// by os.Environ: every record NUL-terminated, including the last.
func EncodeEnviron(environ []string) []byte {
	var b bytes.Buffer
	for _, kv := range environ {
		b.WriteString(kv)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// Assignment is one exported shell variable in a response.
type Assignment struct {
	Name  string
	Value string
}

// Encode renders assignments as shell source, in order. Values are quoted;
// names that are not valid shell identifiers are dropped.
func Encode(exports []Assignment) []byte {
	var s Script
	for _, a := range exports {
		s.Export(a.Name, a.Value)
	}
	return s.Bytes()
}

// Response is the content of one reply before encoding.
type Response struct {
	// Topline is printed above the prompt via a printf statement.
	// Empty means no topline.
	Topline string
	// Exports are emitted after the topline, in order.
	Exports []Assignment
}

// Encode renders the response as zsh source text.
func (r *Response) Encode() []byte {
	var s Script
	if r.Topline != "" {
		s.Command("printf", "%s\n", r.Topline)
	}
	for _, a := range r.Exports {
		s.Export(a.Name, a.Value)
	}
	return s.Bytes()
}

// Script accumulates shell statements. The zero value is ready to use.
type Script struct {
	buf bytes.Buffer
}

// Export appends an export statement. Names that are not valid shell
// identifiers are dropped.
func (s *Script) Export(name, value string) {
	if !validName(name) {
		return
	}
	s.buf.WriteString("export ")
	s.buf.WriteString(name)
	s.buf.WriteByte('=')
	s.buf.WriteString(quote(value))
	s.buf.WriteString(";\n")
}

// Command appends a command statement with each argument quoted. The command
// name itself is emitted verbatim.
func (s *Script) Command(name string, args ...string) {
	s.buf.WriteString(name)
	for _, arg := range args {
		s.buf.WriteByte(' ')
		s.buf.WriteString(quote(arg))
	}
	s.buf.WriteString(";\n")
}

// Bytes returns the accumulated script.
func (s *Script) Bytes() []byte {
	return s.buf.Bytes()
}

func (s *Script) String() string {
	return s.buf.String()
}

// quote renders v as a single shell word that evaluates back to v in zsh and
// other POSIX-ish shells. Control characters come out as $'…' escapes.
func quote(v string) string {
	q, err := syntax.Quote(v, syntax.LangBash)
	if err != nil {
		// Only NUL bytes are unquotable, and they cannot survive an
		// environment or a shell variable anyway.
		q, _ = syntax.Quote(strings.ReplaceAll(v, "\x00", ""), syntax.LangBash)
	}
	return q
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
