// Package dispatch maps signing requests to script entry points using an
// ordered set of path-pattern rules. Rules are static, hot-reloadable
// configuration rather than scripted logic, so adding a new endpoint type
// never requires sandbox changes.
package dispatch

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"signd/internal/signing"
)

type compiledRule struct {
	rule signing.Rule
	re   *regexp.Regexp
	// order preserves declaration position for priority ties.
	order int
}

// Router resolves a request's target URI to the entry point that must sign
// it. Resolution is deterministic: platform match first, then priority
// descending with declaration order breaking ties, first match wins.
type Router struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// New compiles the rule set. Regex patterns that fail to compile reject the
// whole set, so a bad hot reload never partially applies.
func New(rules []signing.Rule) (*Router, error) {
	r := &Router{}
	if err := r.Update(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Update atomically replaces the rule table. Rejections are typed domain
// errors so the API surfaces them as a configuration fault, not an
// internal one.
func (r *Router) Update(rules []signing.Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Platform == "" || rule.EntryPoint == "" {
			return signing.Errorf(signing.KindInvalidRequest,
				"rule %d: platform and entry_point are required", i)
		}
		cr := compiledRule{rule: rule, order: i}
		if rule.Regex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return signing.E(signing.KindInvalidRequest,
					fmt.Sprintf("rule %d: compile pattern %q", i, rule.Pattern), err)
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority > compiled[j].rule.Priority
		}
		return compiled[i].order < compiled[j].order
	})

	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()
	return nil
}

// Resolve returns the entry point for the request, or NoRuleMatched. The
// service does not guess: an uncovered URI is a configuration gap.
func (r *Router) Resolve(req signing.Request) (string, error) {
	target := req.TargetURI
	if u, err := url.Parse(req.TargetURI); err == nil && u.Path != "" {
		target = u.Path
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cr := range r.rules {
		if cr.rule.Platform != req.Platform {
			continue
		}
		if cr.matches(target) {
			return cr.rule.EntryPoint, nil
		}
	}
	return "", signing.Errorf(signing.KindNoRuleMatched,
		"no dispatch rule covers platform %q uri %q", req.Platform, req.TargetURI)
}

func (cr compiledRule) matches(target string) bool {
	if cr.re != nil {
		return cr.re.MatchString(target)
	}
	if cr.rule.Pattern == "" {
		// An empty substring pattern is a platform-wide fallback rule.
		return true
	}
	return strings.Contains(target, cr.rule.Pattern)
}

// Platforms returns the set of platforms any rule covers; the signing API
// uses it to validate request shape.
func (r *Router) Platforms() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.rules))
	for _, cr := range r.rules {
		out[cr.rule.Platform] = true
	}
	return out
}

// EntryPoints returns every entry point the rule table references; the
// script store validates updates against it.
func (r *Router) EntryPoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.rules))
	var out []string
	for _, cr := range r.rules {
		if !seen[cr.rule.EntryPoint] {
			seen[cr.rule.EntryPoint] = true
			out = append(out, cr.rule.EntryPoint)
		}
	}
	return out
}

// Rules returns a copy of the active rules in evaluation order.
func (r *Router) Rules() []signing.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]signing.Rule, 0, len(r.rules))
	for _, cr := range r.rules {
		out = append(out, cr.rule)
	}
	return out
}
