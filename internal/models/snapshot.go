package models

// Snapshot is the durable monitoring document: subscriptions, last known
// statuses and the resolved feed channel ids.
type Snapshot struct {
	Channels          []ChannelSubscription    `json:"channels"`
	LastKnownStatuses map[string]ChannelStatus `json:"lastKnownStatuses"`
	ChannelIDs        map[string]string        `json:"channelIds,omitempty"`
}
