// Package setup implements the interactive "eventsync init" wizard that
// writes a first configuration file.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Prompter asks questions on w and reads answers line by line from r. Tests
// inject buffers for deterministic input.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints the prompt and returns the trimmed answer. ok is false once
// input is exhausted.
func (p *Prompter) ask(format string, args ...any) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func (p *Prompter) note(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String asks for a text value. Enter keeps defaultVal; with an empty
// defaultVal the question repeats until something is typed.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		var (
			val string
			ok  bool
		)
		if defaultVal != "" {
			val, ok = p.ask("%s [%s]", label, defaultVal)
		} else {
			val, ok = p.ask("%s", label)
		}
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.note("required")
	}
}

// Optional asks for a value that may be left empty.
func (p *Prompter) Optional(label string) string {
	val, _ := p.ask("%s (optional)", label)
	return val
}

// Secret asks for a required sensitive value. Input is echoed; suggest
// ${VAR} references to users who mind.
func (p *Prompter) Secret(label string) string {
	for {
		val, ok := p.ask("%s", label)
		if !ok || val != "" {
			return val
		}
		p.note("required")
	}
}

// Confirm asks a yes/no question. Enter selects defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer, ok := p.ask("%s [%s]", label, hint)
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Duration asks for a Go duration such as "30m". Enter or exhausted input
// keeps defaultVal; values below minimum are rejected.
func (p *Prompter) Duration(label string, defaultVal, minimum time.Duration) time.Duration {
	for {
		val, ok := p.ask("%s [%s]", label, defaultVal)
		if !ok || val == "" {
			return defaultVal
		}
		d, err := time.ParseDuration(val)
		if err == nil && d >= minimum {
			return d
		}
		p.note("enter a duration of at least %s, e.g. 30m or 2h", minimum)
	}
}

// MultiSelect lists options and reads comma-separated choices such as
// "1,3". An empty answer selects nothing. The returned zero-based indices
// are sorted and unique.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.ask("Choices (comma-separated, empty for none)")
		if !ok {
			return nil, fmt.Errorf("no input")
		}
		if val == "" {
			return nil, nil
		}
		indices, valid := parseChoices(val, len(options))
		if valid {
			return indices, nil
		}
		p.note("enter numbers between 1 and %d, separated by commas", len(options))
	}
}

func parseChoices(val string, n int) ([]int, bool) {
	var out []int
	for _, part := range strings.Split(val, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || i < 1 || i > n {
			return nil, false
		}
		out = append(out, i-1)
	}
	slices.Sort(out)
	return slices.Compact(out), true
}
