package dispatch

import (
	"testing"
	"time"

	"herald/internal/notify"
)

func TestApplyRulesPriorityOrderLastWins(t *testing.T) {
	t.Parallel()

	rules := sortRules([]Rule{
		{ID: "low", Priority: 1, When: RuleConditions{Categories: []notify.Category{notify.CategoryAlert}},
			Then: RuleEffects{Channels: []notify.Channel{notify.ChannelEmail}}},
		{ID: "high", Priority: 10, When: RuleConditions{Categories: []notify.Category{notify.CategoryAlert}},
			Then: RuleEffects{Channels: []notify.Channel{notify.ChannelTelegram}}},
	})
	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityHigh, Title: "x"}

	got, matched := applyRules(rules, req, time.Now())
	if len(matched) != 2 {
		t.Fatalf("matched = %v, want both rules", matched)
	}
	// Rules run in descending priority; the lower-priority rule applies
	// last and owns the contested field.
	if len(got.Channels) != 1 || got.Channels[0] != notify.ChannelEmail {
		t.Fatalf("channels = %v, want [email]", got.Channels)
	}
}

func TestApplyRulesConditionsAllMustMatch(t *testing.T) {
	t.Parallel()

	rules := []Rule{{
		ID:       "strict",
		Priority: 1,
		When: RuleConditions{
			Categories: []notify.Category{notify.CategoryAlert},
			Severities: []notify.Severity{notify.SeverityCritical},
			Keyword:    "disk",
		},
		Then: RuleEffects{Template: "disk-alert"},
	}}

	now := time.Now()
	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityCritical, Title: "Disk full"}
	got, matched := applyRules(rules, req, now)
	if len(matched) != 1 || got.Template != "disk-alert" {
		t.Fatalf("all conditions hold, rule should apply: matched=%v template=%q", matched, got.Template)
	}

	req.Severity = notify.SeverityHigh
	got, matched = applyRules(rules, req, now)
	if len(matched) != 0 || got.Template != "" {
		t.Fatalf("one failing condition must reject the rule: matched=%v", matched)
	}
}

func TestApplyRulesDelayEffect(t *testing.T) {
	t.Parallel()

	rules := []Rule{{
		ID:       "defer-reports",
		Priority: 1,
		When:     RuleConditions{Categories: []notify.Category{notify.CategoryReport}},
		Then:     RuleEffects{Delay: 2 * time.Hour},
	}}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	req := notify.DispatchRequest{Category: notify.CategoryReport, Severity: notify.SeverityLow, Title: "weekly"}

	got, _ := applyRules(rules, req, now)
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("ScheduledFor = %v, want %v", got.ScheduledFor, now.Add(2*time.Hour))
	}
}

func TestApplyRulesDisabledAndWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	rules := []Rule{
		{ID: "off", Priority: 5, Disabled: true, Then: RuleEffects{Template: "never"}},
		{ID: "night", Priority: 1,
			When: RuleConditions{Window: &TimeWindow{Start: "22:00", End: "06:00"}},
			Then: RuleEffects{Template: "night-digest"}},
	}

	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityMedium, Title: "x"}
	got, matched := applyRules(sortRules(rules), req, now)
	if got.Template == "never" {
		t.Fatalf("disabled rule must not apply")
	}
	if len(matched) != 1 || got.Template != "night-digest" {
		t.Fatalf("overnight window at 03:00 should match: %v template=%q", matched, got.Template)
	}

	day := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, matched = applyRules(sortRules(rules), req, day)
	if len(matched) != 0 || got.Template != "" {
		t.Fatalf("window outside hours should not match: %v", matched)
	}
}

func TestApplyRulesNeverRewriteSeverityOrCategory(t *testing.T) {
	t.Parallel()

	// Effects cover every rewritable field; severity and category must
	// come out exactly as they went in.
	rules := sortRules([]Rule{{
		ID:       "all-effects",
		Priority: 1,
		When:     RuleConditions{Categories: []notify.Category{notify.CategoryAlert}},
		Then: RuleEffects{
			Channels: []notify.Channel{notify.ChannelEmail},
			Delay:    time.Minute,
			Template: "alert",
		},
	}})
	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityMedium, Title: "x"}

	got, matched := applyRules(rules, req, time.Now())
	if len(matched) != 1 {
		t.Fatalf("rule should match: %v", matched)
	}
	if got.Severity != notify.SeverityMedium || got.Category != notify.CategoryAlert {
		t.Fatalf("severity/category changed by rules: %s/%s", got.Severity, got.Category)
	}
}
