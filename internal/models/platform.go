package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Platform identifies one of the supported streaming platforms.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformYouTube Platform = "youtube"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Platforms lists every supported platform in polling order.
var Platforms = []Platform{PlatformTwitch, PlatformKick, PlatformYouTube}

// ParsePlatform normalises a platform name. Matching is case-insensitive.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformTwitch, PlatformKick, PlatformYouTube:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

func (p Platform) String() string { return string(p) }

// ChannelKey returns the "platform:channel" key used for the status map.
// Channel names are compared case-insensitively.
func ChannelKey(p Platform, channelName string) string {
	return string(p) + ":" + strings.ToLower(channelName)
}

var ErrInvalidChannelName = errors.New("invalid channel name")

var twitchLogin = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

// ValidateChannelName rejects names the platform can never resolve. Twitch
// logins are 1-25 letters, digits or underscores.
func ValidateChannelName(p Platform, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannelName)
	}
	if p == PlatformTwitch && !twitchLogin.MatchString(name) {
		return fmt.Errorf("%w: %q is not a Twitch login", ErrInvalidChannelName, name)
	}
	return nil
}
