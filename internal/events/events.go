// Package events defines the typed notifications emitted by the monitor and a
// synchronous dispatcher that fans them out to registered handlers.
package events

import (
	"context"
	"time"

	"live-notifier/internal/models"
)

type Kind string

const (
	KindStreamOnline    Kind = "streamOnline"
	KindStreamOffline   Kind = "streamOffline"
	KindNewVideo        Kind = "newVideo"
	KindChannelNotFound Kind = "channelNotFound"
)

// Event is implemented by StreamOnline, StreamOffline, NewVideo and
// ChannelNotFound only.
type Event interface {
	Kind() Kind
	Channel() (models.Platform, string)
	dispatch(ctx context.Context, h Handler)
}

// Handler receives every event kind. Adding a kind adds a method, so every
// implementation is forced to handle it.
type Handler interface {
	HandleStreamOnline(ctx context.Context, e StreamOnline)
	HandleStreamOffline(ctx context.Context, e StreamOffline)
	HandleNewVideo(ctx context.Context, e NewVideo)
	HandleChannelNotFound(ctx context.Context, e ChannelNotFound)
}

type StreamOnline struct {
	Platform    models.Platform `json:"platform"`
	ChannelName string          `json:"channelName"`
	Title       string          `json:"title,omitempty"`
	Game        string          `json:"game,omitempty"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	ViewerCount int             `json:"viewerCount,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	URL         string          `json:"url,omitempty"`
	VideoID     string          `json:"videoId,omitempty"`
}

type StreamOffline struct {
	Platform    models.Platform `json:"platform"`
	ChannelName string          `json:"channelName"`
}

type NewVideo struct {
	Platform    models.Platform `json:"platform"`
	ChannelName string          `json:"channelName"`
	Title       string          `json:"title,omitempty"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	URL         string          `json:"url,omitempty"`
	VideoID     string          `json:"videoId"`
	PublishedAt time.Time       `json:"publishedAt"`
}

type ChannelNotFound struct {
	Platform    models.Platform `json:"platform"`
	ChannelName string          `json:"channelName"`
}

func (StreamOnline) Kind() Kind    { return KindStreamOnline }
func (StreamOffline) Kind() Kind   { return KindStreamOffline }
func (NewVideo) Kind() Kind        { return KindNewVideo }
func (ChannelNotFound) Kind() Kind { return KindChannelNotFound }

func (e StreamOnline) Channel() (models.Platform, string)    { return e.Platform, e.ChannelName }
func (e StreamOffline) Channel() (models.Platform, string)   { return e.Platform, e.ChannelName }
func (e NewVideo) Channel() (models.Platform, string)        { return e.Platform, e.ChannelName }
func (e ChannelNotFound) Channel() (models.Platform, string) { return e.Platform, e.ChannelName }

func (e StreamOnline) dispatch(ctx context.Context, h Handler)    { h.HandleStreamOnline(ctx, e) }
func (e StreamOffline) dispatch(ctx context.Context, h Handler)   { h.HandleStreamOffline(ctx, e) }
func (e NewVideo) dispatch(ctx context.Context, h Handler)        { h.HandleNewVideo(ctx, e) }
func (e ChannelNotFound) dispatch(ctx context.Context, h Handler) { h.HandleChannelNotFound(ctx, e) }

// Funcs adapts optional callbacks to a Handler. Nil fields ignore the kind.
type Funcs struct {
	StreamOnline    func(ctx context.Context, e StreamOnline)
	StreamOffline   func(ctx context.Context, e StreamOffline)
	NewVideo        func(ctx context.Context, e NewVideo)
	ChannelNotFound func(ctx context.Context, e ChannelNotFound)
}

var _ Handler = Funcs{}

func (f Funcs) HandleStreamOnline(ctx context.Context, e StreamOnline) {
	if f.StreamOnline != nil {
		f.StreamOnline(ctx, e)
	}
}

func (f Funcs) HandleStreamOffline(ctx context.Context, e StreamOffline) {
	if f.StreamOffline != nil {
		f.StreamOffline(ctx, e)
	}
}

func (f Funcs) HandleNewVideo(ctx context.Context, e NewVideo) {
	if f.NewVideo != nil {
		f.NewVideo(ctx, e)
	}
}

func (f Funcs) HandleChannelNotFound(ctx context.Context, e ChannelNotFound) {
	if f.ChannelNotFound != nil {
		f.ChannelNotFound(ctx, e)
	}
}
