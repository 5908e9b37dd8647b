package dispatch

import (
	"herald/internal/notify"
)

// groupByChannel assigns each eligible recipient to exactly one channel:
// their highest-priority enabled channel among those the request allows.
// Recipients already vetted by filterRecipients always land in a group.
func groupByChannel(recipients []notify.Recipient, allowed []notify.Channel) map[notify.Channel][]notify.Recipient {
	groups := make(map[notify.Channel][]notify.Recipient)
	for _, rcpt := range recipients {
		chs := eligibleChannels(rcpt, allowed)
		if len(chs) == 0 {
			continue
		}
		best := chs[0]
		groups[best] = append(groups[best], rcpt)
	}
	return groups
}
