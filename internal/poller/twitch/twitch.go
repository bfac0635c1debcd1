// Package twitch polls Twitch through the Helix API in batches of up to 75
// logins per request.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"

	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
	"live-notifier/internal/poller"
)

const (
	MaxBatchSize = 75

	thumbnailWidth  = "640"
	thumbnailHeight = "360"
)

// Leaser hands out app access tokens. Invalidate is called with a token the
// API rejected.
type Leaser interface {
	Lease(ctx context.Context) (string, error)
	Invalidate(token string)
}

type Config struct {
	ClientID   string
	APIBaseURL string
	HTTPClient *http.Client
	BatchSize  int
	BatchDelay time.Duration
}

type Poller struct {
	mu      sync.Mutex
	client  *helix.Client
	leases  Leaser
	clock   clockwork.Clock
	limiter *rate.Limiter
	size    int
	logger  *slog.Logger
	shuffle func([]poller.Target)
}

func New(cfg Config, leases Leaser, clock clockwork.Clock, logger *slog.Logger) (*Poller, error) {
	opts := &helix.Options{
		ClientID:   cfg.ClientID,
		APIBaseURL: cfg.APIBaseURL,
	}
	if cfg.HTTPClient != nil {
		opts.HTTPClient = cfg.HTTPClient
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	size := cfg.BatchSize
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		client:  client,
		leases:  leases,
		clock:   clock,
		limiter: newLimiter(cfg.BatchDelay),
		size:    size,
		logger:  logger.With("platform", models.PlatformTwitch),
		shuffle: func(ts []poller.Target) {
			rand.Shuffle(len(ts), func(i, j int) { ts[i], ts[j] = ts[j], ts[i] })
		},
	}, nil
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func (p *Poller) Platform() models.Platform { return models.PlatformTwitch }

// batchOutcome collects what a round of batches produced.
type batchOutcome struct {
	observations []poller.Observation
	missing      []poller.Target
	failed       [][]poller.Target
	skipped      int
}

// Poll fetches every target. Transiently failed batches are retried once;
// channels still failing afterwards, and logins the user lookup did not
// return, go through existence verification.
func (p *Poller) Poll(ctx context.Context, targets []poller.Target) poller.Result {
	var res poller.Result
	if len(targets) == 0 {
		return res
	}

	if _, err := p.leases.Lease(ctx); err != nil {
		p.logger.Error("No app access token, skipping cycle", "error", err)
		res.Failed = len(targets)
		return res
	}

	shuffled := append([]poller.Target(nil), targets...)
	p.shuffle(shuffled)

	first := p.runBatches(ctx, chunk(shuffled, p.size))
	res.Observations = append(res.Observations, first.observations...)
	verify := first.missing
	res.Failed += first.skipped

	if len(first.failed) > 0 {
		p.logger.Warn("Retrying failed batches", "batches", len(first.failed), "channels", countTargets(first.failed))
		retry := p.runBatches(ctx, first.failed)
		res.Observations = append(res.Observations, retry.observations...)
		res.Failed += retry.skipped
		verify = append(verify, retry.missing...)
		for _, b := range retry.failed {
			verify = append(verify, b...)
		}
	}

	if len(verify) > 0 {
		v := p.verify(ctx, verify)
		res.NotFound = append(res.NotFound, v.notFound...)
		res.Failed += v.unresolved
		if len(v.existing) > 0 {
			observations, err := p.observe(ctx, v.existing)
			if err != nil {
				p.logger.Warn("Failed to fetch streams of verified channels", "channels", len(v.existing), "error", err)
				res.Failed += len(v.existing)
			}
			res.Observations = append(res.Observations, observations...)
		}
	}

	return res
}

func (p *Poller) runBatches(ctx context.Context, batches [][]poller.Target) batchOutcome {
	var out batchOutcome
	for i, batch := range batches {
		if err := p.limiter.Wait(ctx); err != nil {
			out.failed = append(out.failed, batches[i:]...)
			return out
		}

		observations, missing, err := p.fetchBatch(ctx, batch)
		if err != nil {
			class := poller.Classify(err)
			metrics.ChannelErrorsTotal.WithLabelValues(string(models.PlatformTwitch), class).Add(float64(len(batch)))
			if errors.Is(err, poller.ErrUnauthorized) {
				p.logger.Warn("Batch still unauthorized after token refresh, skipping", "channels", len(batch))
				out.skipped += len(batch)
				continue
			}
			p.logger.Warn("Batch failed", "channels", len(batch), "class", class, "error", err)
			out.failed = append(out.failed, batch)
			continue
		}

		p.logger.Debug("Batch polled", "channels", len(batch), "live", countLive(observations), "missing", len(missing))
		out.observations = append(out.observations, observations...)
		out.missing = append(out.missing, missing...)
	}
	return out
}

func (p *Poller) fetchBatch(ctx context.Context, batch []poller.Target) ([]poller.Observation, []poller.Target, error) {
	logins := make([]string, len(batch))
	for i, t := range batch {
		logins[i] = strings.ToLower(t.Sub.ChannelName)
	}

	var users []helix.User
	err := p.withLease(ctx, func(token string) (err error) {
		users, err = p.getUsers(token, logins)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	ids := make(map[string]string, len(users))
	userIDs := make([]string, 0, len(users))
	for _, u := range users {
		ids[strings.ToLower(u.Login)] = u.ID
		userIDs = append(userIDs, u.ID)
	}

	live := make(map[string]helix.Stream)
	if len(userIDs) > 0 {
		var streams []helix.Stream
		err := p.withLease(ctx, func(token string) (err error) {
			streams, err = p.getStreams(token, &helix.StreamsParams{UserIDs: userIDs, First: 100})
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		for _, s := range streams {
			live[s.UserID] = s
		}
	}

	now := p.clock.Now()
	var observations []poller.Observation
	var missing []poller.Target
	for _, t := range batch {
		id, ok := ids[strings.ToLower(t.Sub.ChannelName)]
		if !ok {
			missing = append(missing, t)
			continue
		}
		status := models.ChannelStatus{LastChecked: now}
		if s, ok := live[id]; ok {
			status = streamStatus(s, now)
		}
		observations = append(observations, poller.Observation{Sub: t.Sub, Status: status})
	}
	return observations, missing, nil
}

// verified is the outcome of existence verification. existing maps user ids
// to the targets that resolved.
type verified struct {
	notFound   []models.ChannelSubscription
	existing   map[string]poller.Target
	unresolved int
}

// verify looks up each login on its own. An empty successful answer, or a
// client error other than 401 and 429, means the channel is gone; any other
// failure ends verification for the cycle.
func (p *Poller) verify(ctx context.Context, targets []poller.Target) verified {
	out := verified{existing: make(map[string]poller.Target)}
	for i, t := range targets {
		if err := p.limiter.Wait(ctx); err != nil {
			out.unresolved = len(targets) - i
			return out
		}

		var users []helix.User
		err := p.withLease(ctx, func(token string) (err error) {
			users, err = p.getUsers(token, []string{strings.ToLower(t.Sub.ChannelName)})
			return err
		})
		switch {
		case rejectedLogin(err):
			p.logger.Info("Login rejected by the API", "channel", t.Sub.ChannelName, "error", err)
			out.notFound = append(out.notFound, t.Sub)
		case err != nil:
			p.logger.Warn("Existence verification interrupted", "channel", t.Sub.ChannelName, "remaining", len(targets)-i, "error", err)
			out.unresolved = len(targets) - i
			return out
		case len(users) == 0:
			p.logger.Info("Channel does not exist", "channel", t.Sub.ChannelName)
			out.notFound = append(out.notFound, t.Sub)
		default:
			out.existing[users[0].ID] = t
		}
	}
	return out
}

func rejectedLogin(err error) bool {
	var statusErr *poller.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	code := statusErr.StatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// observe fetches the streams of channels whose user id is already known.
func (p *Poller) observe(ctx context.Context, byID map[string]poller.Target) ([]poller.Observation, error) {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	live := make(map[string]helix.Stream)
	for start := 0; start < len(ids); start += p.size {
		end := min(start+p.size, len(ids))
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var streams []helix.Stream
		err := p.withLease(ctx, func(token string) (err error) {
			streams, err = p.getStreams(token, &helix.StreamsParams{UserIDs: ids[start:end], First: 100})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, s := range streams {
			live[s.UserID] = s
		}
	}

	now := p.clock.Now()
	out := make([]poller.Observation, 0, len(byID))
	for _, id := range ids {
		status := models.ChannelStatus{LastChecked: now}
		if s, ok := live[id]; ok {
			status = streamStatus(s, now)
		}
		out = append(out, poller.Observation{Sub: byID[id].Sub, Status: status})
	}
	return out, nil
}

// withLease runs fn with the current token. On 401 the token is invalidated
// and fn is retried exactly once with a new one.
func (p *Poller) withLease(ctx context.Context, fn func(token string) error) error {
	token, err := p.leases.Lease(ctx)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, poller.ErrUnauthorized) {
		return err
	}

	p.logger.Warn("Token rejected, requesting a new one")
	p.leases.Invalidate(token)
	token, err = p.leases.Lease(ctx)
	if err != nil {
		return err
	}
	return fn(token)
}

func (p *Poller) getUsers(token string, logins []string) ([]helix.User, error) {
	p.mu.Lock()
	p.client.SetAppAccessToken(token)
	resp, err := p.client.GetUsers(&helix.UsersParams{Logins: logins})
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	if err := checkResponse(resp.ResponseCommon); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return resp.Data.Users, nil
}

func (p *Poller) getStreams(token string, params *helix.StreamsParams) ([]helix.Stream, error) {
	p.mu.Lock()
	p.client.SetAppAccessToken(token)
	resp, err := p.client.GetStreams(params)
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("get streams: %w", err)
	}
	if err := checkResponse(resp.ResponseCommon); err != nil {
		return nil, fmt.Errorf("get streams: %w", err)
	}
	return resp.Data.Streams, nil
}

// TopStreams returns the most watched live channels.
func (p *Poller) TopStreams(ctx context.Context, limit int) ([]models.ChannelStatus, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var streams []helix.Stream
	err := p.withLease(ctx, func(token string) (err error) {
		streams, err = p.getStreams(token, &helix.StreamsParams{First: limit})
		return err
	})
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]models.ChannelStatus, 0, len(streams))
	for _, s := range streams {
		status := streamStatus(s, now)
		status.Key = models.ChannelKey(models.PlatformTwitch, s.UserLogin)
		out = append(out, status)
	}
	return out, nil
}

// checkResponse maps Helix status codes. A 404 on a bulk endpoint is not a
// statement about any single channel, so it stays transient.
func checkResponse(r helix.ResponseCommon) error {
	switch {
	case r.StatusCode == http.StatusOK:
		return nil
	case r.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", poller.ErrUnauthorized, r.ErrorMessage)
	default:
		return &poller.StatusError{StatusCode: r.StatusCode}
	}
}

func streamStatus(s helix.Stream, now time.Time) models.ChannelStatus {
	started := s.StartedAt
	return models.ChannelStatus{
		IsLive:      true,
		Title:       s.Title,
		Game:        s.GameName,
		Thumbnail:   thumbnail(s.ThumbnailURL),
		ViewerCount: s.ViewerCount,
		StartedAt:   &started,
		LastChecked: now,
	}
}

var thumbnailSize = strings.NewReplacer("{width}", thumbnailWidth, "{height}", thumbnailHeight)

func thumbnail(url string) string {
	return thumbnailSize.Replace(url)
}

func chunk(ts []poller.Target, size int) [][]poller.Target {
	var out [][]poller.Target
	for size < len(ts) {
		ts, out = ts[size:], append(out, ts[:size:size])
	}
	if len(ts) > 0 {
		out = append(out, ts)
	}
	return out
}

func countTargets(batches [][]poller.Target) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

func countLive(obs []poller.Observation) int {
	n := 0
	for _, o := range obs {
		if o.Status.IsLive {
			n++
		}
	}
	return n
}
