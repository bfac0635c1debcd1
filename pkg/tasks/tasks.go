package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"live-notifier/internal/models"
)

const (
	TypePollPlatform = "platform:poll"
)

type PollPlatformTaskPayload struct {
	Platform models.Platform `json:"platform"`
}

func NewPollPlatformTask(platform models.Platform) (*asynq.Task, error) {
	payload, err := json.Marshal(PollPlatformTaskPayload{Platform: platform})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePollPlatform, payload), nil
}

// PollPlatformOptions makes a poll task unique for one interval and disables
// retries: the next period is the retry. No timeout is set; a cycle always
// runs to completion.
func PollPlatformOptions(interval time.Duration) []asynq.Option {
	return []asynq.Option{
		asynq.Unique(interval),
		asynq.MaxRetry(0),
	}
}
