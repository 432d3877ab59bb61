// Package protocol parses the relay-tag wire format that agents emit as free
// text: a line beginning with [TO:AGENT] opens a directive whose content runs
// until the next directive line or end of text.
package protocol

import (
	"regexp"
	"strings"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// Directive is one routed instruction extracted from agent output.
type Directive struct {
	Target  identity.Identity
	Content string
}

var tagRe = regexp.MustCompile(`\[TO:([A-Za-z0-9_-]+)\]`)

// Parser tokenizes agent output against a closed identity set. A [TO:X] tag
// only routes when it begins a line (leading whitespace allowed) and X is a
// known identity; everything else is plain text.
type Parser struct {
	roster *identity.Roster
}

func NewParser(roster *identity.Roster) *Parser {
	return &Parser{roster: roster}
}

// Parse scans text for directives. It returns the directives in order and
// whether any directive line was found; callers use the flag to decide
// whether the raw text should also be surfaced verbatim. Directives whose
// content trims to nothing are dropped.
func (p *Parser) Parse(text string) ([]Directive, bool) {
	lines := p.expandLines(strings.Split(text, "\n"))

	var (
		dirs    []Directive
		current *Directive
		found   bool
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(current.Content)
		if current.Content != "" {
			dirs = append(dirs, *current)
		}
		current = nil
	}

	for _, line := range lines {
		if target, rest, ok := p.directiveAt(line); ok {
			flush()
			found = true
			current = &Directive{Target: target, Content: rest}
			continue
		}
		if current != nil {
			current.Content += "\n" + line
		}
	}
	flush()

	return dirs, found
}

// expandLines splits physical lines that start with a directive and carry
// further concatenated tags, producing one synthetic line per directive.
// Lines that do not begin with a directive are left whole, so a tag mentioned
// mid-sentence stays plain text.
func (p *Parser) expandLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if _, _, ok := p.directiveAt(line); !ok {
			out = append(out, line)
			continue
		}
		out = append(out, p.splitConcatenated(line)...)
	}
	return out
}

func (p *Parser) splitConcatenated(line string) []string {
	matches := tagRe.FindAllStringSubmatchIndex(line, -1)

	// Keep only tags naming a known identity; unknown tags are plain text.
	var cuts []int
	for _, m := range matches {
		if _, ok := p.roster.FromTag(line[m[2]:m[3]]); ok {
			cuts = append(cuts, m[0])
		}
	}
	if len(cuts) <= 1 {
		return []string{line}
	}

	var parts []string
	for i, start := range cuts {
		end := len(line)
		if i+1 < len(cuts) {
			end = cuts[i+1]
		}
		parts = append(parts, line[start:end])
	}
	return parts
}

// directiveAt matches a directive at the very start of a line. It returns the
// target and the trailing text on the same line.
func (p *Parser) directiveAt(line string) (identity.Identity, string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	m := tagRe.FindStringSubmatchIndex(trimmed)
	if m == nil || m[0] != 0 {
		return "", "", false
	}
	target, ok := p.roster.FromTag(trimmed[m[2]:m[3]])
	if !ok {
		return "", "", false
	}
	return target, trimmed[m[1]:], true
}
