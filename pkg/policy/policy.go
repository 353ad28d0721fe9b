// Package policy evaluates the rules a unit declares about its own
// runs: which commands exclude it from the queue, which failures are
// absorbed, and which are retried.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/config"
	"github.com/terragrid-io/terragrid/pkg/log"
)

// SignalsFileName is written into the unit directory when an ignore
// rule with signals absorbs a failure.
const SignalsFileName = "error-signals.json"

// DefaultMaxAttempts bounds retry rules that declare no max_attempts.
const DefaultMaxAttempts = 3

// Outcome says what happens to a failed attempt.
type Outcome int

const (
	// Fail propagates the error unchanged.
	Fail Outcome = iota
	// Ignore treats the task as succeeded with a warning.
	Ignore
	// Retry runs the task again after Action.Sleep.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	default:
		return "fail"
	}
}

// Decision says how a unit participates in a run for one command.
type Decision struct {
	Excluded bool
	// ExcludeDependencies extends the exclusion to the unit's
	// dependency closure.
	ExcludeDependencies bool
	// NoRun marks the unit terminally skipped without blocking its
	// dependents.
	NoRun bool
}

// Action is the engine's verdict on one failure.
type Action struct {
	Outcome Outcome
	// Rule is the label of the rule that matched, when any did.
	Rule string
	// Message is the ignore rule's operator-facing note.
	Message string
	// Sleep is how long to wait before the retried attempt.
	Sleep time.Duration
}

// FailureContext carries the run-scoped data a verdict needs.
type FailureContext struct {
	// UnitPath is the unit's display path, recorded in signal files.
	UnitPath string
	// UnitDir is the directory signal files are written to.
	UnitDir string
	// RunID ties signal records to one engine run.
	RunID string
	// Attempt is 1-based: the attempt that just failed.
	Attempt int
	// Output is the tool output the rule patterns match against.
	Output string
	// Err is the failure itself.
	Err error
}

type compiledPattern struct {
	re      *regexp.Regexp
	negated bool
}

type ignoreRule struct {
	label    string
	patterns []compiledPattern
	message  string
	signals  map[string]cty.Value
}

// matches reports whether the rule absorbs text. A negated pattern that
// matches disqualifies the rule outright.
func (r *ignoreRule) matches(text string) bool {
	matched := false
	for _, p := range r.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		if p.negated {
			return false
		}
		matched = true
	}
	return matched
}

type retryRule struct {
	label       string
	patterns    []*regexp.Regexp
	maxAttempts int
	sleep       time.Duration
}

func (r *retryRule) matches(text string) bool {
	for _, re := range r.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Engine holds the compiled rules of one unit. Compile it once at
// load; it is immutable afterwards and safe for concurrent use.
type Engine struct {
	exclude *config.ExcludeBlock
	ignores []*ignoreRule
	retries []*retryRule
	logger  *zap.Logger
}

// Compile builds the engine from a unit's parsed configuration,
// compiling every rule pattern up front.
func Compile(doc *config.Document, logger *zap.Logger) (*Engine, error) {
	e := &Engine{logger: log.OrNop(logger)}
	if doc == nil {
		return e, nil
	}
	e.exclude = doc.Exclude
	if doc.Errors == nil {
		return e, nil
	}

	for _, block := range doc.Errors.Ignore {
		rule := &ignoreRule{
			label:   block.Label,
			message: block.Message,
			signals: block.Signals,
		}
		for _, pattern := range block.IgnorableErrors {
			negated := strings.HasPrefix(pattern, "!")
			re, err := regexp.Compile(strings.TrimPrefix(pattern, "!"))
			if err != nil {
				return nil, fmt.Errorf("errors.ignore %q: invalid pattern %q: %w", block.Label, pattern, err)
			}
			rule.patterns = append(rule.patterns, compiledPattern{re: re, negated: negated})
		}
		e.ignores = append(e.ignores, rule)
	}

	for _, block := range doc.Errors.Retry {
		rule := &retryRule{
			label:       block.Label,
			maxAttempts: block.MaxAttempts,
			sleep:       time.Duration(block.SleepIntervalSec) * time.Second,
		}
		if rule.maxAttempts <= 0 {
			rule.maxAttempts = DefaultMaxAttempts
		}
		for _, pattern := range block.RetryableErrors {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("errors.retry %q: invalid pattern %q: %w", block.Label, pattern, err)
			}
			rule.patterns = append(rule.patterns, re)
		}
		e.retries = append(e.retries, rule)
	}
	return e, nil
}

// ShouldExclude evaluates the unit's exclude block against command.
func (e *Engine) ShouldExclude(command string) Decision {
	ex := e.exclude
	if !ex.AppliesTo(command) {
		return Decision{}
	}
	d := Decision{Excluded: true}
	if ex.ExcludeDependencies != nil {
		d.ExcludeDependencies = *ex.ExcludeDependencies
	}
	if ex.NoRun != nil {
		d.NoRun = *ex.NoRun
	}
	return d
}

// HandleFailure decides what happens to a failed attempt. Ignore rules
// are consulted first in declaration order and the first match wins; an
// error matching both an ignore and a retry rule is ignored, never
// retried. Retry rules likewise apply first-match, bounded by the
// rule's max_attempts.
func (e *Engine) HandleFailure(fc FailureContext) Action {
	text := matchText(fc)

	for _, rule := range e.ignores {
		if !rule.matches(text) {
			continue
		}
		e.logger.Warn("error ignored",
			zap.String("unit", fc.UnitPath),
			zap.String("rule", rule.label),
			zap.String("message", rule.message))
		if len(rule.signals) > 0 {
			if err := writeSignals(rule, fc); err != nil {
				e.logger.Warn("could not write error signals",
					zap.String("unit", fc.UnitPath),
					zap.Error(err))
			}
		}
		return Action{Outcome: Ignore, Rule: rule.label, Message: rule.message}
	}

	for _, rule := range e.retries {
		if !rule.matches(text) {
			continue
		}
		if fc.Attempt >= rule.maxAttempts {
			e.logger.Debug("retries exhausted",
				zap.String("unit", fc.UnitPath),
				zap.String("rule", rule.label),
				zap.Int("attempts", fc.Attempt))
			return Action{Outcome: Fail, Rule: rule.label}
		}
		return Action{Outcome: Retry, Rule: rule.label, Sleep: rule.sleep}
	}

	return Action{Outcome: Fail}
}

// SignalRecord is the error-signals.json payload.
type SignalRecord struct {
	Rule      string                     `json:"rule"`
	Unit      string                     `json:"unit"`
	Message   string                     `json:"message,omitempty"`
	Signals   map[string]json.RawMessage `json:"signals"`
	RunID     string                     `json:"run_id"`
	Timestamp time.Time                  `json:"timestamp"`
}

func writeSignals(rule *ignoreRule, fc FailureContext) error {
	record := SignalRecord{
		Rule:      rule.label,
		Unit:      fc.UnitPath,
		Message:   rule.message,
		Signals:   map[string]json.RawMessage{},
		RunID:     fc.RunID,
		Timestamp: time.Now().UTC(),
	}
	for name, v := range rule.signals {
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return fmt.Errorf("encoding signal %q: %w", name, err)
		}
		record.Signals[name] = raw
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(fc.UnitDir, SignalsFileName), append(data, '\n'), 0o644)
}

func matchText(fc FailureContext) string {
	var parts []string
	if fc.Output != "" {
		parts = append(parts, fc.Output)
	}
	if fc.Err != nil {
		parts = append(parts, fc.Err.Error())
	}
	return strings.Join(parts, "\n")
}
