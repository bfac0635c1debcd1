package models

import "time"

// VideoInfo describes the latest item of a feed-based channel.
type VideoInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	Thumbnail   string    `json:"thumbnail"`
}

// ChannelStatus is the last observed state of a subscribed channel.
type ChannelStatus struct {
	Key         string     `json:"key"`
	IsLive      bool       `json:"isLive"`
	Title       string     `json:"title,omitempty"`
	Game        string     `json:"game,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	ViewerCount int        `json:"viewerCount,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastVideo   *VideoInfo `json:"lastVideo,omitempty"`
	LastChecked time.Time  `json:"lastChecked"`
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (s ChannelStatus) Clone() ChannelStatus {
	c := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.LastVideo != nil {
		v := *s.LastVideo
		c.LastVideo = &v
	}
	return c
}

// LastVideoID returns the id of the latest known item or "".
func (s ChannelStatus) LastVideoID() string {
	if s.LastVideo == nil {
		return ""
	}
	return s.LastVideo.ID
}
