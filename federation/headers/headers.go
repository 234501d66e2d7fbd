// Package headers implements the ordered header rule engine described in
// spec §4.7: forward/insert/remove/rename-duplicate rules applied in order
// over the inbound request headers to produce the outbound set sent to a
// subgraph.
package headers

import (
	"fmt"
	"net/http"
	"net/textproto"
	"os"
	"regexp"
)

// RuleKind is the variant of a header rule.
type RuleKind string

const (
	// Forward copies a named inbound header (or all matching a regex) to
	// outbound; on absence, falls back to Default if set; may Rename.
	Forward RuleKind = "forward"
	// Insert unconditionally sets Value, with {{ env.X }} interpolation.
	Insert RuleKind = "insert"
	// Remove drops matching headers from the outbound set.
	Remove RuleKind = "remove"
	// RenameDuplicate forwards the original name and additionally writes
	// it again under Rename.
	RenameDuplicate RuleKind = "rename_duplicate"
)

// Rule is one entry of the ordered rule list. NameOrPattern is either a
// literal header name or, when IsPattern is true, a regular expression
// matched against inbound header names.
type Rule struct {
	Kind          RuleKind
	NameOrPattern string
	IsPattern     bool
	Default       string
	Rename        string
	Value         string
}

// Engine applies an ordered rule list to produce outbound headers. Rules
// are evaluated in order; later rules observe the outbound set produced by
// earlier ones, per spec.
type Engine struct {
	rules []Rule
}

// New returns an Engine for the given ordered rules.
func New(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Apply runs the rule list over inbound and returns the resulting outbound
// header set. Names and values are validated as ASCII; a rule that would
// introduce a non-ASCII value is skipped rather than failing the request,
// matching the "best-effort header rewrite" posture of the executor.
func (e *Engine) Apply(inbound http.Header) (http.Header, error) {
	outbound := make(http.Header)

	for _, rule := range e.rules {
		switch rule.Kind {
		case Forward:
			if err := e.applyForward(rule, inbound, outbound); err != nil {
				return nil, err
			}
		case Insert:
			value, err := interpolate(rule.Value)
			if err != nil {
				return nil, err
			}
			if !isASCII(rule.NameOrPattern) || !isASCII(value) {
				continue
			}
			outbound.Set(textproto.CanonicalMIMEHeaderKey(rule.NameOrPattern), value)
		case Remove:
			e.applyRemove(rule, outbound)
		case RenameDuplicate:
			e.applyRenameDuplicate(rule, inbound, outbound)
		default:
			return nil, fmt.Errorf("unknown header rule kind %q", rule.Kind)
		}
	}

	return outbound, nil
}

func (e *Engine) applyForward(rule Rule, inbound, outbound http.Header) error {
	if rule.IsPattern {
		re, err := regexp.Compile(rule.NameOrPattern)
		if err != nil {
			return fmt.Errorf("invalid forward header pattern %q: %w", rule.NameOrPattern, err)
		}
		matched := false
		for name, values := range inbound {
			if re.MatchString(name) {
				matched = true
				for _, v := range values {
					if isASCII(name) && isASCII(v) {
						outbound.Add(name, v)
					}
				}
			}
		}
		if !matched && rule.Default != "" {
			outbound.Set(textproto.CanonicalMIMEHeaderKey(rule.NameOrPattern), rule.Default)
		}
		return nil
	}

	name := textproto.CanonicalMIMEHeaderKey(rule.NameOrPattern)
	values := inbound.Values(name)
	outName := name
	if rule.Rename != "" {
		outName = textproto.CanonicalMIMEHeaderKey(rule.Rename)
	}

	if len(values) == 0 {
		if rule.Default != "" {
			outbound.Set(outName, rule.Default)
		}
		return nil
	}
	for _, v := range values {
		if isASCII(v) {
			outbound.Add(outName, v)
		}
	}
	return nil
}

func (e *Engine) applyRemove(rule Rule, outbound http.Header) {
	if rule.IsPattern {
		re, err := regexp.Compile(rule.NameOrPattern)
		if err != nil {
			return
		}
		for name := range outbound {
			if re.MatchString(name) {
				outbound.Del(name)
			}
		}
		return
	}
	outbound.Del(rule.NameOrPattern)
}

func (e *Engine) applyRenameDuplicate(rule Rule, inbound, outbound http.Header) {
	name := textproto.CanonicalMIMEHeaderKey(rule.NameOrPattern)
	values := inbound.Values(name)
	if len(values) == 0 {
		if rule.Default != "" {
			outbound.Set(name, rule.Default)
			outbound.Set(textproto.CanonicalMIMEHeaderKey(rule.Rename), rule.Default)
		}
		return
	}
	for _, v := range values {
		if !isASCII(v) {
			continue
		}
		outbound.Add(name, v)
		outbound.Add(textproto.CanonicalMIMEHeaderKey(rule.Rename), v)
	}
}

var envPattern = regexp.MustCompile(`\{\{\s*env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// interpolate expands {{ env.X }} placeholders in value; unresolved
// variables expand to the empty string.
func interpolate(value string) (string, error) {
	result := envPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return ""
		}
		return os.Getenv(sub[1])
	})
	return result, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// ForwardRequestHeaders is a small convenience used by the gateway when no
// rule list is configured: it forwards every inbound header verbatim,
// matching enable_hang_over_request_header's historical all-or-nothing
// behavior.
func ForwardRequestHeaders(inbound http.Header) http.Header {
	outbound := make(http.Header, len(inbound))
	for name, values := range inbound {
		if !isASCII(name) {
			continue
		}
		for _, v := range values {
			if isASCII(v) {
				outbound.Add(name, v)
			}
		}
	}
	return outbound
}
