// Package youtube polls YouTube channels through their Atom feed and infers
// liveness from the watch page of the latest item.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
	"live-notifier/internal/poller"
)

const (
	DefaultBaseURL = "https://www.youtube.com"

	watchURL     = "https://www.youtube.com/watch?v="
	thumbnailURL = "https://i.ytimg.com/vi/%s/maxresdefault.jpg"
)

type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	RequestDelay time.Duration
	Detector     LiveDetector
}

type Poller struct {
	baseURL  string
	client   *http.Client
	feeds    *gofeed.Parser
	resolver *Resolver
	detector LiveDetector
	clock    clockwork.Clock
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) *Poller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Detector == nil {
		cfg.Detector = DefaultDetector
	}
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}

	feeds := gofeed.NewParser()
	feeds.Client = cfg.HTTPClient
	base := strings.TrimRight(cfg.BaseURL, "/")

	return &Poller{
		baseURL:  base,
		client:   cfg.HTTPClient,
		feeds:    feeds,
		resolver: NewResolver(base, cfg.HTTPClient),
		detector: cfg.Detector,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With("platform", models.PlatformYouTube),
	}
}

func (p *Poller) Platform() models.Platform { return models.PlatformYouTube }

// ChannelIDs returns the handle to channel id cache for persistence.
func (p *Poller) ChannelIDs() map[string]string { return p.resolver.IDs() }

func (p *Poller) RestoreChannelIDs(ids map[string]string) { p.resolver.Restore(ids) }

func (p *Poller) OnChannelIDResolved(fn func()) { p.resolver.OnChange(fn) }

func (p *Poller) Poll(ctx context.Context, targets []poller.Target) poller.Result {
	var res poller.Result
	for i, t := range targets {
		if err := p.limiter.Wait(ctx); err != nil {
			res.Failed += len(targets) - i
			return res
		}

		status, err := p.pollChannel(ctx, t)
		if err != nil {
			class := poller.Classify(err)
			metrics.ChannelErrorsTotal.WithLabelValues(string(models.PlatformYouTube), class).Inc()
			if class == "not_found" {
				p.logger.Info("Channel does not exist", "channel", t.Sub.ChannelName)
				res.NotFound = append(res.NotFound, t.Sub)
				continue
			}
			p.logger.Warn("Failed to poll channel", "channel", t.Sub.ChannelName, "class", class, "error", err)
			res.Failed++
			continue
		}
		res.Observations = append(res.Observations, poller.Observation{Sub: t.Sub, Status: status})
	}
	return res
}

func (p *Poller) pollChannel(ctx context.Context, t poller.Target) (models.ChannelStatus, error) {
	channelID, err := p.resolver.Resolve(ctx, t.Sub.ChannelName)
	if err != nil {
		return models.ChannelStatus{}, err
	}

	feed, err := p.feeds.ParseURLWithContext(p.baseURL+"/feeds/videos.xml?channel_id="+url.QueryEscape(channelID), ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		var urlErr *url.Error
		switch {
		case errors.As(err, &httpErr):
			return models.ChannelStatus{}, fmt.Errorf("feed of %s: %w", channelID, poller.CheckStatus(httpErr.StatusCode))
		case errors.As(err, &urlErr):
			return models.ChannelStatus{}, fmt.Errorf("feed of %s: %w", channelID, err)
		}
		return models.ChannelStatus{}, &poller.ParseError{What: "feed of " + channelID, Err: err}
	}

	var prev models.ChannelStatus
	if t.Prev != nil {
		prev = t.Prev.Clone()
	}
	status := prev
	status.LastChecked = p.clock.Now()

	if len(feed.Items) == 0 {
		return status, nil
	}
	item := feed.Items[0]
	videoID := itemVideoID(item)
	if videoID == "" {
		return models.ChannelStatus{}, &poller.ParseError{What: "feed of " + channelID, Err: fmt.Errorf("latest entry has no video id")}
	}

	if videoID != prev.LastVideoID() {
		page, err := p.watchPage(ctx, videoID)
		if err != nil {
			return models.ChannelStatus{}, err
		}
		video := videoInfo(item, videoID)
		status.LastVideo = &video
		if p.detector.NewItemLive(page) {
			setLive(&status, video)
		} else {
			setOffline(&status)
		}
		return status, nil
	}

	if prev.IsLive {
		page, err := p.watchPage(ctx, videoID)
		if err != nil {
			p.logger.Warn("Failed to recheck live item, keeping previous state", "channel", t.Sub.ChannelName, "video_id", videoID, "error", err)
			return status, nil
		}
		if !p.detector.StillLive(page) {
			setOffline(&status)
		}
	}
	return status, nil
}

func (p *Poller) watchPage(ctx context.Context, videoID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/watch?v="+url.QueryEscape(videoID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watch page %s: %w", videoID, err)
	}
	defer resp.Body.Close()

	// A missing watch page says nothing about the channel.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("watch page %s: %w", videoID, &poller.StatusError{StatusCode: resp.StatusCode})
	}
	return io.ReadAll(resp.Body)
}

func itemVideoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 && ids[0].Value != "" {
			return ids[0].Value
		}
	}
	return strings.TrimPrefix(item.GUID, "yt:video:")
}

func videoInfo(item *gofeed.Item, videoID string) models.VideoInfo {
	v := models.VideoInfo{
		ID:        videoID,
		Title:     item.Title,
		URL:       watchURL + videoID,
		Thumbnail: fmt.Sprintf(thumbnailURL, videoID),
	}
	if item.PublishedParsed != nil {
		v.PublishedAt = *item.PublishedParsed
	}
	return v
}

func setLive(s *models.ChannelStatus, v models.VideoInfo) {
	s.IsLive = true
	s.Title = v.Title
	s.Thumbnail = v.Thumbnail
}

func setOffline(s *models.ChannelStatus) {
	s.IsLive = false
	s.Title = ""
	s.Thumbnail = ""
	s.StartedAt = nil
	s.ViewerCount = 0
}
