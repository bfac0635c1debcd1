// Package kick polls Kick one channel at a time through its public channel
// endpoint.
package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
	"live-notifier/internal/poller"
)

const DefaultBaseURL = "https://kick.com"

type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	RequestDelay time.Duration
}

type Poller struct {
	baseURL string
	client  *http.Client
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) *Poller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		clock:   clock,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("platform", models.PlatformKick),
	}
}

func (p *Poller) Platform() models.Platform { return models.PlatformKick }

type channelResponse struct {
	User struct {
		ProfilePic string `json:"profile_pic"`
	} `json:"user"`
	Livestream *livestream `json:"livestream"`
}

type livestream struct {
	SessionTitle string `json:"session_title"`
	ViewerCount  int    `json:"viewer_count"`
	CreatedAt    string `json:"created_at"`
	Thumbnail    *struct {
		URL string `json:"url"`
		Src string `json:"src"`
	} `json:"thumbnail"`
	Categories []struct {
		Name string `json:"name"`
	} `json:"categories"`
	Channel *struct {
		Slug string `json:"slug"`
		User struct {
			ProfilePic string `json:"profilepic"`
		} `json:"user"`
	} `json:"channel"`
}

// Poll fetches the channels sequentially. A failing channel is logged and
// left for the next cycle.
func (p *Poller) Poll(ctx context.Context, targets []poller.Target) poller.Result {
	var res poller.Result
	for i, t := range targets {
		if err := p.limiter.Wait(ctx); err != nil {
			res.Failed += len(targets) - i
			return res
		}

		status, err := p.fetch(ctx, t.Sub.ChannelName)
		if err != nil {
			class := poller.Classify(err)
			metrics.ChannelErrorsTotal.WithLabelValues(string(models.PlatformKick), class).Inc()
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

func (p *Poller) fetch(ctx context.Context, channel string) (models.ChannelStatus, error) {
	var body channelResponse
	endpoint := p.baseURL + "/api/v1/channels/" + url.PathEscape(strings.ToLower(channel))
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return models.ChannelStatus{}, err
	}

	status := models.ChannelStatus{LastChecked: p.clock.Now()}
	if ls := body.Livestream; ls != nil {
		status = ls.status(status.LastChecked)
		if status.Thumbnail == "" {
			status.Thumbnail = body.User.ProfilePic
		}
	}
	return status, nil
}

// TopStreams lists the most watched Kick livestreams. The endpoint is not
// documented, so callers treat failures as an empty list.
func (p *Poller) TopStreams(ctx context.Context, limit int) ([]models.ChannelStatus, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "desc")

	var body struct {
		Data []livestream `json:"data"`
	}
	if err := p.getJSON(ctx, p.baseURL+"/stream/livestreams/en?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]models.ChannelStatus, 0, len(body.Data))
	for _, ls := range body.Data {
		if ls.Channel == nil || ls.Channel.Slug == "" {
			continue
		}
		status := ls.status(now)
		status.Key = models.ChannelKey(models.PlatformKick, ls.Channel.Slug)
		if status.Thumbnail == "" {
			status.Thumbnail = ls.Channel.User.ProfilePic
		}
		out = append(out, status)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *Poller) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if err := poller.CheckStatus(resp.StatusCode); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &poller.ParseError{What: "kick response", Err: err}
	}
	return nil
}

func (ls *livestream) status(now time.Time) models.ChannelStatus {
	s := models.ChannelStatus{
		IsLive:      true,
		Title:       ls.SessionTitle,
		ViewerCount: ls.ViewerCount,
		StartedAt:   parseTime(ls.CreatedAt),
		LastChecked: now,
	}
	if len(ls.Categories) > 0 {
		s.Game = ls.Categories[0].Name
	}
	if ls.Thumbnail != nil {
		s.Thumbnail = ls.Thumbnail.URL
		if s.Thumbnail == "" {
			s.Thumbnail = ls.Thumbnail.Src
		}
	}
	return s
}

// Kick reports timestamps either as RFC 3339 or as "2006-01-02 15:04:05" in UTC.
func parseTime(v string) *time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}
