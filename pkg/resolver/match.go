package resolver

import (
	"slices"
	"strings"

	"github.com/arnavsurve/mendstep/pkg/browser"
)

func match(tier string, infos []browser.ElementInfo, target string, roles []string, usable func(browser.ElementInfo) bool) []browser.ElementInfo {
	candidates := make([]browser.ElementInfo, 0, len(infos))
	for _, info := range infos {
		if !usable(info) {
			continue
		}
		if tier != TierTestID && len(roles) > 0 && !slices.Contains(roles, info.Role) {
			continue
		}
		candidates = append(candidates, info)
	}

	switch tier {
	case TierRole:
		return byName(candidates, target)
	case TierLabel:
		return byLabel(candidates, target)
	case TierText:
		return innermost(infos, filter(candidates, func(e browser.ElementInfo) bool {
			return e.Text != "" && strings.Contains(strings.ToLower(e.Text), strings.ToLower(target))
		}))
	case TierTestID:
		return filter(candidates, func(e browser.ElementInfo) bool {
			return e.TestID != "" && strings.EqualFold(e.TestID, target)
		})
	}
	return nil
}

// byName prefers exact accessible-name matches over case-insensitive ones.
func byName(candidates []browser.ElementInfo, target string) []browser.ElementInfo {
	exact := filter(candidates, func(e browser.ElementInfo) bool { return e.Name == target })
	if len(exact) > 0 {
		return exact
	}
	return filter(candidates, func(e browser.ElementInfo) bool {
		return e.Name != "" && strings.EqualFold(e.Name, target)
	})
}

func byLabel(candidates []browser.ElementInfo, target string) []browser.ElementInfo {
	return filter(candidates, func(e browser.ElementInfo) bool {
		if e.Placeholder != "" && strings.EqualFold(e.Placeholder, target) {
			return true
		}
		for _, l := range e.Labels {
			if strings.EqualFold(l, target) {
				return true
			}
		}
		return false
	})
}

// innermost drops matches that contain another match, so a wrapper whose text
// includes its child's does not make the target ambiguous.
func innermost(all, matches []browser.ElementInfo) []browser.ElementInfo {
	if len(matches) < 2 {
		return matches
	}
	parents := make(map[string]string, len(all))
	for _, info := range all {
		parents[info.ID] = info.Parent
	}
	ancestors := map[string]bool{}
	for _, m := range matches {
		for p := parents[m.ID]; p != ""; p = parents[p] {
			ancestors[p] = true
		}
	}
	return filter(matches, func(e browser.ElementInfo) bool { return !ancestors[e.ID] })
}

func filter(infos []browser.ElementInfo, keep func(browser.ElementInfo) bool) []browser.ElementInfo {
	var out []browser.ElementInfo
	for _, info := range infos {
		if keep(info) {
			out = append(out, info)
		}
	}
	return out
}
