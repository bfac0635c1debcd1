package models

import "time"

// ChannelSubscription is a followed channel on one platform.
type ChannelSubscription struct {
	Platform     Platform  `json:"source" db:"platform"`
	ChannelName  string    `json:"name" db:"channel_name"`
	SubscribedAt time.Time `json:"subscribedAt" db:"subscribed_at"`
}

func (s ChannelSubscription) Key() string {
	return ChannelKey(s.Platform, s.ChannelName)
}
