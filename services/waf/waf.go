// Package waf inspects method, URI, headers, and (if buffered) body
// against a rule set of built-in signatures and
// operator-supplied patterns, accumulating an anomaly score, and
// short-circuiting with a configurable status when a rule or the score
// threshold says block.
package waf

import (
	"net/http"
	"regexp"

	"github.com/aegis-network/edge/services/pipeline"
)

// Action is the configured response to a rule match.
type Action string

const (
	ActionAllow Action = "allow"
	ActionLog   Action = "log"
	ActionBlock Action = "block"
)

// Rule is one signature the Stage matches requests against.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Action  Action
	// Score is added to the request's anomaly score on a match,
	// independent of Action — a request can accumulate enough
	// allow/log-action matches to trip the threshold on its own.
	Score int
}

// builtinRules are the built-in attack signatures: SQLi, XSS, RCE,
// path traversal, CRLF injection. Patterns are intentionally broad
// substring/structure checks, not a full parser — false positives are
// acceptable at this layer, false negatives are not.
var builtinRules = []Rule{
	{
		Name:    "sqli",
		Pattern: regexp.MustCompile(`(?i)(\bunion\s+select\b|\bor\s+1\s*=\s*1\b|--\s|;\s*drop\s+table|\bsleep\(\d+\)|'\s*or\s*'1'\s*=\s*'1)`),
		Action:  ActionBlock,
		Score:   8,
	},
	{
		Name:    "xss",
		Pattern: regexp.MustCompile(`(?i)(<script[\s>]|javascript:|onerror\s*=|onload\s*=|<img[^>]+onerror)`),
		Action:  ActionBlock,
		Score:   8,
	},
	{
		Name:    "rce",
		Pattern: regexp.MustCompile(`(?i)(;\s*(cat|wget|curl|nc|bash|sh)\s|\$\(.*\)|` + "`" + `.*` + "`" + `|\|\|\s*(id|whoami))`),
		Action:  ActionBlock,
		Score:   9,
	},
	{
		Name:    "path_traversal",
		Pattern: regexp.MustCompile(`(\.\./){2,}|%2e%2e%2f|\.\.\\`),
		Action:  ActionBlock,
		Score:   6,
	},
	{
		Name:    "crlf_injection",
		Pattern: regexp.MustCompile(`%0d%0a|\r\n(?i)(set-cookie|location)\s*:`),
		Action:  ActionBlock,
		Score:   7,
	},
}

// Policy configures Stage.
type Policy struct {
	Rules            []Rule // built-ins plus any operator-supplied patterns
	AnomalyThreshold int
	BlockStatus      int
}

// DefaultPolicy returns the built-in rule set with illustrative defaults.
func DefaultPolicy() Policy {
	return Policy{
		Rules:            append([]Rule(nil), builtinRules...),
		AnomalyThreshold: 10,
		BlockStatus:      http.StatusForbidden,
	}
}

// CompileOperatorPattern turns an operator-supplied regex string into a
// Rule. A malformed pattern is rejected at config-load time (see
// infrastructure/config), never at request time.
func CompileOperatorPattern(name, pattern string, action Action, score int) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Name: name, Pattern: re, Action: action, Score: score}, nil
}

// Stage is the pipeline.Stage implementation for WAF inspection.
type Stage struct {
	policy Policy
}

// New constructs a WAF Stage. An empty policy falls back to DefaultPolicy.
func New(policy Policy) *Stage {
	if len(policy.Rules) == 0 {
		policy = DefaultPolicy()
	}
	if policy.BlockStatus == 0 {
		policy.BlockStatus = http.StatusForbidden
	}
	return &Stage{policy: policy}
}

func (s *Stage) Name() string { return pipeline.StageWAF }

// Handle inspects ctx against the configured rule set.
func (s *Stage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	subjects := s.subjects(ctx)

	score := 0
	blockedBy := ""
	for _, rule := range s.policy.Rules {
		matched := false
		for _, subject := range subjects {
			if rule.Pattern.MatchString(subject) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		score += rule.Score
		if rule.Action == ActionBlock && blockedBy == "" {
			blockedBy = rule.Name
		}
	}

	ctx.Set("waf_anomaly_score", score)

	if blockedBy != "" {
		return pipeline.Deny(s.policy.BlockStatus, "waf_"+blockedBy)
	}
	if s.policy.AnomalyThreshold > 0 && score >= s.policy.AnomalyThreshold {
		return pipeline.Deny(s.policy.BlockStatus, "waf_anomaly_threshold")
	}
	return pipeline.ContinueResult()
}

// subjects returns every string the rule set inspects: method, path, raw
// query, header values, and the buffered body if present.
func (s *Stage) subjects(ctx *pipeline.ProxyContext) []string {
	subjects := []string{ctx.Method, ctx.Path}
	if rawQuery, ok := ctx.Get("raw_query"); ok {
		if q, ok := rawQuery.(string); ok && q != "" {
			subjects = append(subjects, q)
		}
	}
	if headers, ok := ctx.Get("headers"); ok {
		if h, ok := headers.(http.Header); ok {
			for _, vs := range h {
				subjects = append(subjects, vs...)
			}
		}
	}
	if !ctx.BodySkipped && len(ctx.RequestBody) > 0 {
		subjects = append(subjects, string(ctx.RequestBody))
	}
	return subjects
}
