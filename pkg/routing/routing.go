// Package routing matches worker identities against job targets.
//
// The same algorithm is embedded in the broker's claim script; this package is
// the reference implementation used by client code and tests.
package routing

import (
	"strings"

	"github.com/bridgemq/bridgemq/pkg/job"
)

// Worker is the routing-relevant identity of a worker process.
// Stack and Region are single-valued and treated as singleton sets.
type Worker struct {
	ServerID     string
	Stack        string
	Capabilities []string
	Region       string
}

// Match reports whether the worker qualifies for the target.
//
// A pinned target.server short-circuits everything else. Otherwise every
// non-empty dimension must match under the target's mode: "any" needs a
// non-empty intersection, "all" needs the required set to be a subset of the
// worker's set. Capabilities support "*" and "prefix:*" wildcards.
func Match(t *job.Target, w Worker) bool {
	if t == nil {
		return true
	}
	if t.Server != "" {
		return t.Server == w.ServerID
	}
	mode := t.Mode
	if mode == "" {
		mode = job.ModeAny
	}
	if len(t.Capabilities) > 0 && !dimensionMatch(w.Capabilities, t.Capabilities, mode, capabilityMatch) {
		return false
	}
	if len(t.Stack) > 0 && !dimensionMatch(singleton(w.Stack), t.Stack, mode, exactMatch) {
		return false
	}
	if len(t.Region) > 0 && !dimensionMatch(singleton(w.Region), t.Region, mode, exactMatch) {
		return false
	}
	return true
}

func singleton(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// dimensionMatch applies the mode semantics to one target dimension.
func dimensionMatch(have, want []string, mode string, match func(have []string, pattern string) bool) bool {
	if mode == job.ModeAll {
		for _, pattern := range want {
			if !match(have, pattern) {
				return false
			}
		}
		return true
	}
	for _, pattern := range want {
		if match(have, pattern) {
			return true
		}
	}
	return false
}

func exactMatch(have []string, pattern string) bool {
	for _, h := range have {
		if h == pattern {
			return true
		}
	}
	return false
}

// capabilityMatch compares worker capabilities against one required pattern.
// "*" matches any non-empty capability set, "gpu:*" matches any "gpu:"-prefixed
// capability, anything else is an exact string compare.
func capabilityMatch(have []string, pattern string) bool {
	if pattern == "*" {
		return len(have) > 0
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := pattern[:len(pattern)-1] // keep the colon
		for _, h := range have {
			if strings.HasPrefix(h, prefix) {
				return true
			}
		}
		return false
	}
	return exactMatch(have, pattern)
}
