// Package directive extracts in-band commands of the form @[openTab](URL) from model output.
package directive

import (
	"regexp"
	"strings"
)

// Kind names a directive.
type Kind string

// KindOpenTab asks the client to open URL in a new browser window or tab.
const KindOpenTab Kind = "openTab"

// Command is a directive extracted from text.
type Command struct {
	Kind Kind
	URL  string
}

// Result is the text with all directives removed, and the directives in order of appearance.
type Result struct {
	Text     string
	Commands []Command
}

const openTabPrefix = "@[openTab]("

// maxPending bounds how much text the Scanner holds back waiting for a directive to close.
const maxPending = 2048

var openTabPattern = regexp.MustCompile(`@\[openTab\]\(([^)\n]*)\)`)

// Scan removes every complete directive from text. Text without directives is returned unchanged.
// A directive with a blank URL is removed but yields no Command.
func Scan(text string) Result {
	matches := openTabPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Result{Text: text}
	}

	var (
		sb   strings.Builder
		cmds = make([]Command, 0, len(matches))
		last int
	)
	for _, m := range matches {
		sb.WriteString(text[last:m[0]])
		last = m[1]
		url := strings.TrimSpace(text[m[2]:m[3]])
		if url == "" {
			continue
		}
		cmds = append(cmds, Command{Kind: KindOpenTab, URL: url})
	}
	sb.WriteString(text[last:])

	return Result{Text: sb.String(), Commands: cmds}
}

// Scanner applies Scan to a stream of text deltas. A directive split across deltas is still detected:
// any suffix that could grow into a directive is held back until a later delta completes or rules it out.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	pending string
}

// Push scans the held-back text followed by delta, and returns what can be released now.
func (s *Scanner) Push(delta string) Result {
	buf := s.pending + delta
	cut := holdIndex(buf)
	if len(buf)-cut > maxPending {
		cut = len(buf)
	}
	s.pending = buf[cut:]
	return Scan(buf[:cut])
}

// Flush releases any held-back text. It is called once the stream ends; an unterminated directive is
// returned as literal text.
func (s *Scanner) Flush() Result {
	buf := s.pending
	s.pending = ""
	return Scan(buf)
}

// Pending returns the text currently held back.
func (s *Scanner) Pending() string {
	return s.pending
}

// holdIndex returns the offset in buf from which text may still turn into a directive.
func holdIndex(buf string) int {
	from := 0
	if matches := openTabPattern.FindAllStringIndex(buf, -1); len(matches) > 0 {
		from = matches[len(matches)-1][1]
	}
	rest := buf[from:]

	// An opened directive is still pending unless the line already ended.
	if i := strings.LastIndex(rest, openTabPrefix); i >= 0 && !strings.ContainsAny(rest[i:], ")\n") {
		return from + i
	}

	// A tail that is a proper prefix of the opener may be completed by the next delta.
	for n := min(len(openTabPrefix)-1, len(rest)); n > 0; n-- {
		if strings.HasSuffix(rest, openTabPrefix[:n]) {
			return len(buf) - n
		}
	}
	return len(buf)
}
