package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

const (
	CatchAllPattern  = ".*"
	CatchAllUpstream = "direct://"
)

// MaxLineBytes bounds a single rule line. Longer lines are skipped.
const MaxLineBytes = 64 << 10

// Rule routes subjects matching Pattern to Upstream.
type Rule struct {
	Pattern  *regexp.Regexp
	Source   string
	Upstream string
}

// ValidateFunc reports whether upstream names a usable connector.
type ValidateFunc func(upstream string) error

// Compile compiles a rule pattern: case-insensitive, anchored at the start.
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^(?:" + pattern + ")")
}

// Snapshot is an immutable, ordered rule list.
type Snapshot struct {
	rules []Rule
}

// NewSnapshot builds a snapshot from rules, appending the catch-all rule.
func NewSnapshot(rules []Rule) *Snapshot {
	out := make([]Rule, 0, len(rules)+1)
	out = append(out, rules...)
	out = append(out, Rule{
		Pattern:  regexp.MustCompile("(?i)^(?:" + CatchAllPattern + ")"),
		Source:   CatchAllPattern,
		Upstream: CatchAllUpstream,
	})
	return &Snapshot{rules: out}
}

// Rules returns a copy of the snapshot's rules in match order.
func (s *Snapshot) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

func (s *Snapshot) Len() int {
	return len(s.rules)
}

// Match returns the first rule whose pattern matches subject.
func (s *Snapshot) Match(subject string) (Rule, bool) {
	for _, r := range s.rules {
		if r.Pattern.MatchString(subject) {
			return r, true
		}
	}
	return Rule{}, false
}

// Parse reads a rule file. Malformed lines are logged and skipped; only a
// read error from r is returned.
func Parse(r io.Reader, validate ValidateFunc, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var rules []Rule
	br := bufio.NewReader(r)
	for lineno := 1; ; lineno++ {
		raw, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read rules: %w", err)
		}

		if len(raw) > MaxLineBytes {
			logger.Warn("rule line too long", slog.Int("line", lineno), slog.Int("bytes", len(raw)))
		} else if line := strings.TrimSpace(raw); line != "" && !strings.HasPrefix(line, "#") {
			rule, perr := parseLine(line, validate)
			if perr != nil {
				logger.Warn("invalid rule", slog.Int("line", lineno), slog.String("rule", line), slog.Any("error", perr))
			} else {
				rules = append(rules, rule)
			}
		}

		if err != nil {
			break
		}
	}

	return NewSnapshot(rules), nil
}

func parseLine(line string, validate ValidateFunc) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Rule{}, fmt.Errorf("expected 2 fields, got %d", len(fields))
	}
	pattern, upstream := fields[0], fields[1]

	if validate != nil {
		if err := validate(upstream); err != nil {
			return Rule{}, fmt.Errorf("upstream: %w", err)
		}
	}

	re, err := Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("pattern: %w", err)
	}

	return Rule{Pattern: re, Source: pattern, Upstream: upstream}, nil
}
