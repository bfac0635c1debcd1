// Package poller defines the contract shared by the per-platform pollers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"live-notifier/internal/models"
)

var (
	// ErrNotFound means the channel no longer exists on the platform.
	ErrNotFound = errors.New("channel not found")
	// ErrUnauthorized means the platform rejected the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is an unexpected HTTP status from a platform.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Target is one channel to poll together with its last known status, if any.
type Target struct {
	Sub  models.ChannelSubscription
	Prev *models.ChannelStatus
}

// Observation is the completed fetch result for one channel.
type Observation struct {
	Sub    models.ChannelSubscription
	Status models.ChannelStatus
}

// Result of one poll cycle. Channels that failed transiently appear in neither list.
type Result struct {
	Observations []Observation
	NotFound     []models.ChannelSubscription
	Failed       int
}

type Poller interface {
	Platform() models.Platform
	Poll(ctx context.Context, targets []Target) Result
}

// TopStreamer is implemented by pollers that can list globally popular channels.
type TopStreamer interface {
	TopStreams(ctx context.Context, limit int) ([]models.ChannelStatus, error)
}

// CheckStatus maps an HTTP status code onto the error taxonomy.
func CheckStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{StatusCode: code}
	}
}

// Classify names the error class for logs and metrics.
func Classify(err error) string {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 500 {
			return "server"
		}
		return "status"
	case errors.As(err, new(*ParseError)):
		return "parse"
	default:
		return "network"
	}
}

// ParseError wraps a malformed platform payload.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
