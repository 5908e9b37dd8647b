package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"herald/internal/notify"
)

// TimeWindow is a daily wall-clock window in a named zone. Start/End use
// "HH:MM"; an End before Start spans midnight.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// RuleConditions must all hold for the rule to match. Empty fields match
// anything.
type RuleConditions struct {
	Categories []notify.Category `json:"categories,omitempty" yaml:"categories,omitempty"`
	Severities []notify.Severity `json:"severities,omitempty" yaml:"severities,omitempty"`
	Keyword    string            `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Window     *TimeWindow       `json:"window,omitempty" yaml:"window,omitempty"`
}

// RuleEffects mutate the request's routing: channel restriction, delayed
// delivery, template override. Severity and category are fixed at request
// creation and no effect may rewrite them. Zero-valued effects leave the
// request untouched.
type RuleEffects struct {
	Channels []notify.Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
	Delay    time.Duration    `json:"delay,omitempty" yaml:"delay,omitempty"`
	Template string           `json:"template,omitempty" yaml:"template,omitempty"`
}

// Rule rewrites matching requests before filtering and grouping.
type Rule struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Priority int            `json:"priority" yaml:"priority"`
	Disabled bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	When     RuleConditions `json:"when" yaml:"when"`
	Then     RuleEffects    `json:"then" yaml:"then"`
}

// sortRules orders rules by descending priority, keeping declaration order
// among equals. Effects are applied in this order, so among conflicting
// rules the one applied last (lowest priority) wins a contested field.
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// applyRules returns a copy of req with the effects of every matching rule
// applied, plus the ids of the rules that matched.
func applyRules(rules []Rule, req notify.DispatchRequest, now time.Time) (notify.DispatchRequest, []string) {
	var matched []string
	for _, r := range rules {
		if r.Disabled || !ruleMatches(r.When, req, now) {
			continue
		}
		matched = append(matched, r.ID)
		if len(r.Then.Channels) > 0 {
			req.Channels = append([]notify.Channel(nil), r.Then.Channels...)
		}
		if r.Then.Delay > 0 {
			at := now.Add(r.Then.Delay)
			req.ScheduledFor = &at
		}
		if r.Then.Template != "" {
			req.Template = r.Then.Template
		}
	}
	return req, matched
}

func ruleMatches(c RuleConditions, req notify.DispatchRequest, now time.Time) bool {
	if len(c.Categories) > 0 && !containsCategory(c.Categories, req.Category) {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, req.Severity) {
		return false
	}
	if c.Keyword != "" {
		kw := strings.ToLower(c.Keyword)
		if !strings.Contains(strings.ToLower(req.Title), kw) &&
			!strings.Contains(strings.ToLower(req.Message), kw) {
			return false
		}
	}
	if c.Window != nil && !windowContains(*c.Window, now) {
		return false
	}
	return true
}

func containsCategory(set []notify.Category, v notify.Category) bool {
	for _, c := range set {
		if c == v {
			return true
		}
	}
	return false
}

func containsSeverity(set []notify.Severity, v notify.Severity) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func windowContains(w TimeWindow, now time.Time) bool {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil || w.Timezone == "" {
		loc = time.UTC
	}
	start, okS := parseHHMM(w.Start)
	end, okE := parseHHMM(w.End)
	if !okS || !okE {
		return false
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start == end {
		return false
	}
	if start < end {
		return cur >= start && cur < end
	}
	// Window spans midnight.
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
