package dispatch

import (
	"time"

	"herald/internal/notify"
)

// filterRecipients applies per-recipient preferences to the request and
// returns the recipients that should receive it now. A recipient is excluded
// when the category is not opted in, the severity is below their minimum,
// quiet hours are in effect (critical pierces quiet hours), or no enabled
// channel survives an explicit channel restriction on the request.
func filterRecipients(req notify.DispatchRequest, recipients []notify.Recipient, now time.Time) []notify.Recipient {
	var out []notify.Recipient
	for _, rcpt := range recipients {
		if !recipientEligible(req, rcpt, now) {
			continue
		}
		out = append(out, rcpt)
	}
	return out
}

func recipientEligible(req notify.DispatchRequest, rcpt notify.Recipient, now time.Time) bool {
	p := rcpt.Prefs
	if p.Disabled {
		return false
	}
	if len(p.Categories) > 0 && !containsCategory(p.Categories, req.Category) {
		return false
	}
	if p.MinSeverity != "" && !req.Severity.AtLeast(p.MinSeverity) {
		return false
	}
	if req.Severity != notify.SeverityCritical && inQuietHours(p.QuietHours, now) {
		return false
	}
	if len(eligibleChannels(rcpt, req.Channels)) == 0 {
		return false
	}
	return true
}

// inQuietHours reports whether now falls inside the recipient's quiet
// window. A window whose end precedes its start spans midnight.
func inQuietHours(q *notify.QuietHours, now time.Time) bool {
	if q == nil {
		return false
	}
	return windowContains(TimeWindow{Start: q.Start, End: q.End, Timezone: q.Timezone}, now)
}

// eligibleChannels returns the recipient's enabled channels, ordered by
// preference priority (highest first), intersected with the request's
// channel restriction when one is present. Channels with no usable address
// are dropped.
func eligibleChannels(rcpt notify.Recipient, allowed []notify.Channel) []notify.Channel {
	restricted := func(ch notify.Channel) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == ch {
				return true
			}
		}
		return false
	}

	prefs := make([]notify.ChannelPref, 0, len(rcpt.Prefs.Channels))
	for _, cp := range rcpt.Prefs.Channels {
		if !restricted(cp.Channel) {
			continue
		}
		if rcpt.Address(cp.Channel) == "" {
			continue
		}
		prefs = append(prefs, cp)
	}
	// Stable descending sort keeps declaration order among equal priorities.
	for i := 1; i < len(prefs); i++ {
		for j := i; j > 0 && prefs[j].Priority > prefs[j-1].Priority; j-- {
			prefs[j], prefs[j-1] = prefs[j-1], prefs[j]
		}
	}
	out := make([]notify.Channel, 0, len(prefs))
	for _, cp := range prefs {
		out = append(out, cp.Channel)
	}
	return out
}
