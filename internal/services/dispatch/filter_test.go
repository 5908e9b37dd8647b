package dispatch

import (
	"testing"
	"time"

	"herald/internal/notify"
)

func rcptWith(id string, prefs notify.Preferences) notify.Recipient {
	return notify.Recipient{
		ID: id,
		Addresses: map[notify.Channel]string{
			notify.ChannelEmail:    id + "@example.com",
			notify.ChannelTelegram: "1000",
		},
		Prefs: prefs,
	}
}

func TestFilterQuietHours(t *testing.T) {
	t.Parallel()

	quiet := &notify.QuietHours{Start: "22:00", End: "06:00", Timezone: "UTC"}
	rcpt := rcptWith("ops", notify.Preferences{
		Channels:   []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
		QuietHours: quiet,
	})
	lateNight := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)

	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityMedium}
	if got := filterRecipients(req, []notify.Recipient{rcpt}, lateNight); len(got) != 0 {
		t.Fatalf("medium severity inside quiet hours should be excluded, got %d", len(got))
	}

	req.Severity = notify.SeverityCritical
	if got := filterRecipients(req, []notify.Recipient{rcpt}, lateNight); len(got) != 1 {
		t.Fatalf("critical severity should pierce quiet hours, got %d", len(got))
	}

	afternoon := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	req.Severity = notify.SeverityMedium
	if got := filterRecipients(req, []notify.Recipient{rcpt}, afternoon); len(got) != 1 {
		t.Fatalf("outside quiet hours should be included, got %d", len(got))
	}
}

func TestFilterQuietHoursTimezone(t *testing.T) {
	t.Parallel()

	// 23:30 in New York is 04:30 UTC next day.
	quiet := &notify.QuietHours{Start: "22:00", End: "06:00", Timezone: "America/New_York"}
	rcpt := rcptWith("east", notify.Preferences{
		Channels:   []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
		QuietHours: quiet,
	})
	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityHigh}

	nyLateNight := time.Date(2024, 3, 2, 4, 30, 0, 0, time.UTC)
	if got := filterRecipients(req, []notify.Recipient{rcpt}, nyLateNight); len(got) != 0 {
		t.Fatalf("quiet hours must be evaluated in the recipient's zone")
	}
}

func TestFilterMinSeverity(t *testing.T) {
	t.Parallel()

	rcpt := rcptWith("oncall", notify.Preferences{
		Channels:    []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
		MinSeverity: notify.SeverityHigh,
	})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		severity notify.Severity
		want     int
	}{
		{notify.SeverityLow, 0},
		{notify.SeverityMedium, 0},
		{notify.SeverityHigh, 1},
		{notify.SeverityCritical, 1},
	} {
		req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: tc.severity}
		if got := filterRecipients(req, []notify.Recipient{rcpt}, now); len(got) != tc.want {
			t.Fatalf("severity %s: got %d recipients, want %d", tc.severity, len(got), tc.want)
		}
	}
}

func TestFilterCategoryOptIn(t *testing.T) {
	t.Parallel()

	rcpt := rcptWith("reports", notify.Preferences{
		Channels:   []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
		Categories: []notify.Category{notify.CategoryReport},
	})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityHigh}
	if got := filterRecipients(req, []notify.Recipient{rcpt}, now); len(got) != 0 {
		t.Fatalf("category not opted in should exclude")
	}
	req.Category = notify.CategoryReport
	if got := filterRecipients(req, []notify.Recipient{rcpt}, now); len(got) != 1 {
		t.Fatalf("opted-in category should include")
	}
}

func TestFilterChannelRestrictionAndDisabled(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := notify.DispatchRequest{
		Category: notify.CategoryAlert,
		Severity: notify.SeverityHigh,
		Channels: []notify.Channel{notify.ChannelWebhook},
	}

	// Only email/telegram enabled; restriction to webhook leaves nothing.
	rcpt := rcptWith("mailonly", notify.Preferences{
		Channels: []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
	})
	if got := filterRecipients(req, []notify.Recipient{rcpt}, now); len(got) != 0 {
		t.Fatalf("recipient with no channel in the restriction must be excluded")
	}

	disabled := rcptWith("off", notify.Preferences{
		Disabled: true,
		Channels: []notify.ChannelPref{{Channel: notify.ChannelEmail, Priority: 1}},
	})
	req.Channels = nil
	if got := filterRecipients(req, []notify.Recipient{disabled}, now); len(got) != 0 {
		t.Fatalf("disabled recipient must be excluded")
	}
}

func TestFilterThenGroupRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := notify.DispatchRequest{Category: notify.CategoryAlert, Severity: notify.SeverityHigh}
	rcpts := []notify.Recipient{
		rcptWith("a", notify.Preferences{Channels: []notify.ChannelPref{
			{Channel: notify.ChannelEmail, Priority: 1},
			{Channel: notify.ChannelTelegram, Priority: 5},
		}}),
		rcptWith("b", notify.Preferences{Channels: []notify.ChannelPref{
			{Channel: notify.ChannelEmail, Priority: 3},
		}}),
	}

	eligible := filterRecipients(req, rcpts, now)
	groups := groupByChannel(eligible, req.Channels)

	// Every eligible recipient appears in exactly one group.
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total != len(eligible) {
		t.Fatalf("grouped %d recipients, want %d", total, len(eligible))
	}
	if len(groups[notify.ChannelTelegram]) != 1 || groups[notify.ChannelTelegram][0].ID != "a" {
		t.Fatalf("recipient a should land on its highest-priority channel (telegram): %+v", groups)
	}
	if len(groups[notify.ChannelEmail]) != 1 || groups[notify.ChannelEmail][0].ID != "b" {
		t.Fatalf("recipient b should land on email: %+v", groups)
	}
}

func TestGroupSkipsMissingAddress(t *testing.T) {
	t.Parallel()

	rcpt := notify.Recipient{
		ID:        "noaddr",
		Addresses: map[notify.Channel]string{notify.ChannelEmail: "x@example.com"},
		Prefs: notify.Preferences{Channels: []notify.ChannelPref{
			{Channel: notify.ChannelWebhook, Priority: 9}, // no address configured
			{Channel: notify.ChannelEmail, Priority: 1},
		}},
	}
	groups := groupByChannel([]notify.Recipient{rcpt}, nil)
	if len(groups[notify.ChannelEmail]) != 1 {
		t.Fatalf("addressless channel must be skipped in favor of the next: %+v", groups)
	}
}
