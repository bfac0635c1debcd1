package youtube

import "bytes"

// LiveDetector decides from a watch page whether the item is a live
// broadcast. NewItemLive is asked for an item seen for the first time,
// StillLive for an item already known to be live.
type LiveDetector interface {
	NewItemLive(page []byte) bool
	StillLive(page []byte) bool
}

// MarkerDetector matches fixed substrings of the page source.
type MarkerDetector struct {
	NewItemMarkers   []string
	StillLiveMarkers []string
}

var DefaultDetector = MarkerDetector{
	NewItemMarkers:   []string{`"isLiveNow":true`, `"isLive":true`, `"liveBroadcastDetails"`},
	StillLiveMarkers: []string{`"isLiveNow":true`, `"isLive":true`},
}

func (d MarkerDetector) NewItemLive(page []byte) bool { return containsAny(page, d.NewItemMarkers) }

func (d MarkerDetector) StillLive(page []byte) bool { return containsAny(page, d.StillLiveMarkers) }

func containsAny(page []byte, markers []string) bool {
	for _, m := range markers {
		if bytes.Contains(page, []byte(m)) {
			return true
		}
	}
	return false
}
