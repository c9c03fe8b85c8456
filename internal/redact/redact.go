// Package redact implements the regex-driven redaction policy engine and
// the persistence gate that refuses to store unredacted sensitive data.
//
// A policy is a versioned list of rules. Each rule carries a category,
// an action (mask, partial, hash, drop) and a compiled pattern. Redaction
// walks decoded JSON values depth-first and rewrites every string node.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

// Action determines how a rule rewrites a match.
type Action string

const (
	ActionMask    Action = "mask"
	ActionPartial Action = "partial"
	ActionHash    Action = "hash"
	ActionDrop    Action = "drop"
)

// Rule is a single redaction rule.
type Rule struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Action      Action `json:"action"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement,omitempty"`
	KeepStart   int    `json:"keep_start,omitempty"`
	KeepEnd     int    `json:"keep_end,omitempty"`
	Enabled     bool   `json:"enabled"`

	re *regexp.Regexp
}

// Policy is a versioned set of redaction rules.
type Policy struct {
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// UnredactedDataError reports a sensitive match found by the persistence gate.
type UnredactedDataError struct {
	RuleName string
	JSONPath string
}

func (e *UnredactedDataError) Error() string {
	return fmt.Sprintf("redact: unredacted data matched rule %q at %s", e.RuleName, e.JSONPath)
}

const (
	defaultKeepStart = 4
	defaultKeepEnd   = 4
)

// NewPolicy compiles the rule patterns and returns a usable policy.
func NewPolicy(version string, rules []Rule) (*Policy, error) {
	p := &Policy{Version: version, Rules: rules}
	for i := range p.Rules {
		r := &p.Rules[i]
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redact: compile rule %q: %w", r.Name, err)
		}
		r.re = re
		if r.KeepStart <= 0 {
			r.KeepStart = defaultKeepStart
		}
		if r.KeepEnd <= 0 {
			r.KeepEnd = defaultKeepEnd
		}
	}
	return p, nil
}

// LoadPolicyFile reads a JSON policy file and compiles it.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("redact: read policy %s: %w", path, err)
	}
	var raw Policy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("redact: parse policy %s: %w", path, err)
	}
	return NewPolicy(raw.Version, raw.Rules)
}

// DefaultPolicy returns the built-in policy covering API keys, forge tokens,
// bearer credentials, emails, phone numbers and PEM private-key blocks.
func DefaultPolicy() *Policy {
	p, err := NewPolicy("builtin-1", []Rule{
		{
			Name:     "openai_api_key",
			Category: "secret",
			Action:   ActionMask,
			Pattern:  `sk-(?:proj-)?[A-Za-z0-9_\-]{16,}`,
			Enabled:  true,
		},
		{
			Name:     "github_token",
			Category: "secret",
			Action:   ActionMask,
			Pattern:  `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}`,
			Enabled:  true,
		},
		{
			Name:     "bearer_token",
			Category: "credential",
			Action:   ActionMask,
			Pattern:  `(?i)\bbearer\s+[a-z0-9\-._~+/]{8,}=*`,
			Enabled:  true,
		},
		{
			Name:      "email_address",
			Category:  "email",
			Action:    ActionPartial,
			Pattern:   `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
			KeepStart: 2,
			KeepEnd:   4,
			Enabled:   true,
		},
		{
			// A literal + prefix or a separator-punctuated 3-3-4 shape.
			// Bare digit runs and -separated dates (2006-01-02) stay
			// untouched so projected timelines survive redaction.
			Name:     "phone_number",
			Category: "phone",
			Action:   ActionHash,
			Pattern:  `\+[0-9][0-9\s().\-]{7,14}[0-9]|\(?[0-9]{3}\)?[\s.\-][0-9]{3}[\s.\-][0-9]{4}\b`,
			Enabled:  true,
		},
		{
			Name:     "pem_private_key",
			Category: "private_key",
			Action:   ActionDrop,
			Pattern:  `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
			Enabled:  true,
		},
	})
	if err != nil {
		// Built-in patterns are constants; a compile failure is a programming error.
		panic(err)
	}
	return p
}

// Redact walks a decoded JSON value and applies every enabled rule to each
// string node. Maps, slices and strings are rewritten; all other scalars
// pass through unchanged. Redaction is idempotent: placeholders produced by
// one pass never re-match.
func (p *Policy) Redact(value any) any {
	switch v := value.(type) {
	case string:
		return p.redactString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = p.Redact(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = p.Redact(item)
		}
		return out
	default:
		return v
	}
}

// RedactAny round-trips an arbitrary Go value through JSON and redacts it.
// Useful for typed stage outputs before persistence.
func (p *Policy) RedactAny(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("redact: unmarshal value: %w", err)
	}
	return p.Redact(decoded), nil
}

// RedactString applies the policy to a single string.
func (p *Policy) RedactString(s string) string {
	return p.redactString(s)
}

func (p *Policy) redactString(s string) string {
	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.Enabled {
			continue
		}
		s = r.re.ReplaceAllStringFunc(s, func(match string) string {
			return r.rewrite(match)
		})
	}
	return s
}

func (r *Rule) rewrite(match string) string {
	switch r.Action {
	case ActionPartial:
		if len(match) < r.KeepStart+r.KeepEnd+4 {
			return r.placeholder()
		}
		return match[:r.KeepStart] + "***" + match[len(match)-r.KeepEnd:]
	case ActionHash:
		sum := sha256.Sum256([]byte(match))
		return "***REDACTED:" + r.Category + ":HASH:" + hex.EncodeToString(sum[:])[:12] + "***"
	case ActionMask, ActionDrop:
		return r.placeholder()
	default:
		return r.placeholder()
	}
}

func (r *Rule) placeholder() string {
	if r.Replacement != "" {
		return r.Replacement
	}
	return "***REDACTED:" + r.Category + "***"
}

// AssertNoSensitiveData walks a decoded JSON value and returns an
// *UnredactedDataError for the first string node matching any enabled rule.
// The storage layer calls this on every write path; a non-nil return means
// the write must be refused.
func (p *Policy) AssertNoSensitiveData(value any) error {
	return p.assertWalk(value, "$")
}

// AssertAny marshals an arbitrary Go value to JSON and runs the gate on it.
func (p *Policy) AssertAny(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redact: marshal value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("redact: unmarshal value: %w", err)
	}
	return p.assertWalk(decoded, "$")
}

func (p *Policy) assertWalk(value any, path string) error {
	switch v := value.(type) {
	case string:
		for i := range p.Rules {
			r := &p.Rules[i]
			if !r.Enabled {
				continue
			}
			if r.re.MatchString(v) {
				return &UnredactedDataError{RuleName: r.Name, JSONPath: path}
			}
		}
		return nil
	case map[string]any:
		for _, k := range sortedKeys(v) {
			if err := p.assertWalk(v[k], path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, item := range v {
			if err := p.assertWalk(item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic walk order so the reported path is stable across runs.
	sort.Strings(keys)
	return keys
}

// Fingerprint returns a short stable digest of a string, used where
// redacted values still need to be correlated (never reversible).
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
