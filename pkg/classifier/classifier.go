package classifier

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// Config is the classifier's immutable configuration, read once at boot.
type Config struct {
	// Enabled disables interception entirely (RCH_ENABLED=false) while
	// still letting pass_through decisions flow through normally.
	Enabled bool

	// ConfidenceThreshold is the tier-4 cutoff for Intercept (default 0.80).
	ConfidenceThreshold float64
}

// DefaultConfig returns the classifier defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, ConfidenceThreshold: 0.80}
}

// Classifier is a pure function object: Classify never mutates it and
// never performs I/O beyond stat'ing the working directory for manifest
// presence, which is part of the tier-4 confidence computation.
type Classifier struct {
	cfg Config
}

// New builds a Classifier from cfg.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify runs the five-tier pipeline against one candidate command.
// It never panics outward and never returns an error: any internal fault
// degrades to PassThrough with reason "classifier_error".
func (c *Classifier) Classify(command, tool, cwd string) (result types.CommandClassification) {
	defer func() {
		if r := recover(); r != nil {
			result = types.CommandClassification{
				Tier: 0, Decision: types.DecisionPassThrough,
				Reason: "classifier_error",
			}
		}
	}()

	// Tier 0 — instant reject.
	if command == "" {
		return types.CommandClassification{Tier: 0, Decision: types.DecisionPassThrough, Reason: "empty_command"}
	}
	if tool != "shell" {
		return types.CommandClassification{Tier: 0, Decision: types.DecisionPassThrough, Reason: "non_shell_tool"}
	}
	if !c.cfg.Enabled {
		return types.CommandClassification{Tier: 0, Decision: types.DecisionPassThrough, Reason: "classifier_disabled"}
	}

	// Tier 1 — structural analysis: split into sub-commands on unquoted
	// &&, ||, ; and check structural disqualifiers.
	trimmed := strings.TrimSpace(command)
	if strings.HasSuffix(trimmed, "&") && !strings.HasSuffix(trimmed, "&&") {
		return types.CommandClassification{Tier: 1, Decision: types.DecisionReject, Reason: "background_job"}
	}
	if redirectsStdoutToFile(trimmed) {
		return types.CommandClassification{Tier: 1, Decision: types.DecisionReject, Reason: "stdout_redirected"}
	}
	if pipesToNonBuildConsumer(trimmed) {
		return types.CommandClassification{Tier: 1, Decision: types.DecisionReject, Reason: "piped_to_pager"}
	}

	subs := splitChain(trimmed)
	if len(subs) > 1 {
		var intercepted []types.SubCommand
		maxTier := 1
		for _, sub := range subs {
			sr := c.classifySingle(sub, cwd)
			if sr.Tier > maxTier {
				maxTier = sr.Tier
			}
			if sr.Decision == types.DecisionIntercept || sr.Decision == types.DecisionInterceptRewritten {
				intercepted = append(intercepted, types.SubCommand{Tokens: sr.Tokens})
			}
		}
		if len(intercepted) > 0 {
			// Each intercepted segment keeps its own argv; the caller runs
			// one Coordinator pipeline per entry rather than concatenating
			// them into a single, invalid remote command.
			return types.CommandClassification{
				Tier: maxTier, Decision: types.DecisionIntercept,
				Confidence: 1.0, Reason: "chained_intercept", SubCommands: intercepted,
			}
		}
		return types.CommandClassification{Tier: maxTier, Decision: types.DecisionPassThrough, Reason: "no_sub_intercepted"}
	}

	return c.classifySingle(trimmed, cwd)
}

// classifySingle runs tiers 2-4 against one already-structurally-valid
// sub-command (no chaining operators left to consider).
func (c *Classifier) classifySingle(command, cwd string) types.CommandClassification {
	// Tier 2 — fast keyword filter.
	if !hasAnchor(command) {
		return types.CommandClassification{Tier: 2, Decision: types.DecisionPassThrough, Reason: "no_anchor_token"}
	}

	// Tier 3 — negative patterns, checked cheaply before full tokenization.
	binary, subcommand, hasOpen, hasInteractive, pipedToPager, hasHelpFlag := cheapScan(command)
	if hasInteractive {
		return types.CommandClassification{Tier: 3, Decision: types.DecisionReject, Reason: "interactive_flag"}
	}
	if pipedToPager {
		return types.CommandClassification{Tier: 3, Decision: types.DecisionReject, Reason: "piped_to_pager"}
	}
	if hasHelpFlag {
		return types.CommandClassification{Tier: 3, Decision: types.DecisionReject, Reason: "help_or_version_flag"}
	}
	if reason, ok := matchNegative(binary, subcommand, hasOpen); ok {
		return types.CommandClassification{Tier: 3, Decision: types.DecisionReject, Reason: reason}
	}

	// Tier 4 — full classification.
	return c.classifyFull(command, cwd)
}

func (c *Classifier) classifyFull(command, cwd string) types.CommandClassification {
	tokenizer := shellwords.NewParser()
	tokenizer.ParseEnv = true
	tokens, err := tokenizer.Parse(command)
	if err != nil || len(tokens) == 0 {
		return types.CommandClassification{Tier: 4, Decision: types.DecisionPassThrough, Reason: "classifier_error"}
	}

	binary := filepath.Base(tokens[0])
	subcommand := ""
	if len(tokens) > 1 && !strings.HasPrefix(tokens[1], "-") {
		subcommand = tokens[1]
	}

	r, ok := lookupRule(binary, subcommand)
	if !ok {
		return types.CommandClassification{Tier: 4, Decision: types.DecisionPassThrough, Reason: "no_matching_rule", Tokens: tokens}
	}

	confidence := r.confidence
	if r.requiresManifest != "" {
		if _, err := os.Stat(filepath.Join(cwd, r.requiresManifest)); err == nil {
			confidence += 0.05
			if confidence > 1.0 {
				confidence = 1.0
			}
		} else {
			confidence -= 0.15
		}
	}
	if confidence >= c.cfg.ConfidenceThreshold {
		return types.CommandClassification{
			Tier: 4, Decision: types.DecisionIntercept, Confidence: confidence,
			Reason: "rule_match", Tokens: tokens,
		}
	}
	return types.CommandClassification{
		Tier: 4, Decision: types.DecisionPassThrough, Confidence: confidence,
		Reason: "low_confidence", Tokens: tokens,
	}
}

// splitChain splits a command on unquoted &&, ||, and ; operators.
func splitChain(command string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote && (i == 0 || runes[i-1] != '\\') {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			parts = append(parts, cur.String())
			cur.Reset()
			i++
		case r == '|' && i+1 < len(runes) && runes[i+1] == '|':
			parts = append(parts, cur.String())
			cur.Reset()
			i++
		case r == ';':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// redirectsStdoutToFile detects a trailing `>` / `>>` to a file (not a
// single `|` pipe, which is handled separately).
func redirectsStdoutToFile(command string) bool {
	// Ignore >> inside a here-doc-looking context is out of scope; a
	// simple unquoted-scan is sufficient for the budgeted tier-1 pass.
	fields := tokenizeRoughly(command)
	for _, f := range fields {
		if f == ">" || f == ">>" || strings.HasPrefix(f, ">") {
			return true
		}
	}
	return false
}

func pipesToNonBuildConsumer(command string) bool {
	segments := strings.Split(command, "|")
	if len(segments) < 2 {
		return false
	}
	last := strings.TrimSpace(segments[len(segments)-1])
	fields := strings.Fields(last)
	if len(fields) == 0 {
		return false
	}
	head := filepath.Base(fields[0])
	for _, p := range pagerBinaries {
		if head == p {
			return true
		}
	}
	return false
}

// cheapScan extracts enough structure for tiers 2-3 without a full
// shell-aware tokenization pass (that's reserved for tier 4).
func cheapScan(command string) (binary, subcommand string, hasOpen, hasInteractive, pipedToPager, hasHelpFlag bool) {
	fields := tokenizeRoughly(command)
	if len(fields) == 0 {
		return
	}
	binary = filepath.Base(fields[0])
	for i, f := range fields {
		if i == 1 && !strings.HasPrefix(f, "-") {
			subcommand = f
		}
		if f == "--open" {
			hasOpen = true
		}
		if f == "--help" || f == "--version" || f == "--list" {
			hasHelpFlag = true
		}
		for _, ifl := range interactiveFlags {
			if f == ifl {
				hasInteractive = true
			}
		}
	}
	pipedToPager = pipesToNonBuildConsumer(command)
	return
}

// tokenizeRoughly performs a cheap whitespace/quote-aware split good
// enough for tiers 1-3; tier 4 uses the full shellwords parser.
func tokenizeRoughly(command string) []string {
	var fields []string
	var cur strings.Builder
	var quote rune
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}
