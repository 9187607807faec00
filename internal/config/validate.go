package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ValidationError aggregates every problem found while validating a
// Snapshot, so a config-push can report everything wrong in one response
// instead of stopping at the first error.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration snapshot: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks a snapshot for internal consistency, sorts every
// RouteRule/ManipulationRule table into the ascending-priority order the
// router and manipulation engine require (route ties broken by
// MatchSpecKind.specificity()), and compiles every regex referenced by a
// Match or a REGEX_REPLACE Action exactly once, so that route/rule
// evaluation on the hot path never sorts or compiles a pattern. It returns
// a non-nil *ValidationError if any problem was found; the caller must not
// install the snapshot in that case.
func Validate(s *Snapshot) error {
	ve := &ValidationError{}

	for poolID, pool := range s.Pools {
		if len(pool.PeerHosts) == 0 {
			ve.add("pool %q has no peer hosts", poolID)
		}
	}

	for vrID, routes := range s.Routes {
		sort.SliceStable(routes, func(i, j int) bool {
			if routes[i].Priority != routes[j].Priority {
				return routes[i].Priority < routes[j].Priority
			}
			return routes[i].Kind.specificity() < routes[j].Kind.specificity()
		})

		seenDefault := false
		for i := range routes {
			r := &routes[i]
			if _, ok := s.Pools[r.PoolID]; !ok {
				ve.add("VR %s: route priority %d references unknown pool %q", vrID, r.Priority, r.PoolID)
			}
			if r.Kind == MatchDefault {
				if seenDefault {
					ve.add("VR %s: more than one Default route rule", vrID)
				}
				seenDefault = true
			}
		}
	}

	for vrID, rules := range s.ManipulationRules {
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority < rules[j].Priority
		})

		for i := range rules {
			rule := &rules[i]
			for j := range rule.Condition.Matches {
				m := &rule.Condition.Matches[j]
				if m.Op == OpRegex {
					re, err := regexp.Compile(m.Value)
					if err != nil {
						ve.add("VR %s rule %s: invalid match regex %q: %v", vrID, rule.RuleID, m.Value, err)
						continue
					}
					m.regex = re
				}
			}
			for j := range rule.Actions {
				a := &rule.Actions[j]
				switch a.Type {
				case ActionRegexReplace:
					re, err := regexp.Compile(a.Pattern)
					if err != nil {
						ve.add("VR %s rule %s: invalid action regex %q: %v", vrID, rule.RuleID, a.Pattern, err)
						continue
					}
					a.compiledPattern = re
				case ActionTopologyHide:
					if a.TopologyHide == nil {
						ve.add("VR %s rule %s: TOPOLOGY_HIDE action missing parameters", vrID, rule.RuleID)
					}
				}
			}
		}
	}

	for host, p := range s.Peers {
		if p.Address == "" {
			ve.add("peer %q missing address", host)
		}
		if p.MaxWatchdogFailures <= 0 {
			ve.add("peer %q: max_watchdog_failures must be positive", host)
		}
	}

	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}
