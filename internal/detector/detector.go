// Package detector turns two consecutive observations of a channel into the
// events that the change implies.
package detector

import (
	"live-notifier/internal/events"
	"live-notifier/internal/models"
)

// Detect compares the previous and the freshly fetched status of sub.
//
// Liveness rules: false->true emits one StreamOnline, true->false one
// StreamOffline, anything else nothing. A changed latest item that is not live
// additionally emits NewVideo; with no previously known item any latest item
// counts as changed.
func Detect(sub models.ChannelSubscription, prev, fresh models.ChannelStatus) []events.Event {
	var out []events.Event

	switch {
	case fresh.IsLive && !prev.IsLive:
		out = append(out, online(sub, fresh))
	case !fresh.IsLive && prev.IsLive:
		out = append(out, events.StreamOffline{Platform: sub.Platform, ChannelName: sub.ChannelName})
	}

	if v := fresh.LastVideo; v != nil && v.ID != prev.LastVideoID() && !fresh.IsLive {
		out = append(out, events.NewVideo{
			Platform:    sub.Platform,
			ChannelName: sub.ChannelName,
			Title:       v.Title,
			Thumbnail:   v.Thumbnail,
			URL:         v.URL,
			VideoID:     v.ID,
			PublishedAt: v.PublishedAt,
		})
	}

	return out
}

func online(sub models.ChannelSubscription, s models.ChannelStatus) events.StreamOnline {
	e := events.StreamOnline{
		Platform:    sub.Platform,
		ChannelName: sub.ChannelName,
		Title:       s.Title,
		Game:        s.Game,
		Thumbnail:   s.Thumbnail,
		ViewerCount: s.ViewerCount,
		StartedAt:   s.StartedAt,
	}
	if s.LastVideo != nil {
		e.URL = s.LastVideo.URL
		e.VideoID = s.LastVideo.ID
	}
	return e
}
