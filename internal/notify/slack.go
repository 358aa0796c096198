package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/stageline/internal/models"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff between rate-limited retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackSink posts notifications to a Slack channel.
type SlackSink struct {
	client    slackClient
	channelID string
	backoff   time.Duration
}

// NewSlackSink creates a sink posting with a bot token.
func NewSlackSink(botToken, channelID string) (*SlackSink, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &SlackSink{
		client:    slackapi.New(botToken),
		channelID: channelID,
		backoff:   baseBackoff,
	}, nil
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Deliver posts n as a message attachment.
func (s *SlackSink) Deliver(ctx context.Context, n *models.Notification) error {
	f := Format(n)
	att := slackapi.Attachment{
		Title:    f.Title,
		Text:     f.Body,
		Color:    f.Color,
		Fallback: f.Title,
	}
	for _, fl := range f.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: fl.Name, Value: fl.Value, Short: true})
	}

	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channelID, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honouring Slack's RetryAfter when present.
func (s *SlackSink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = backoffFor(s.backoff, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * base
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}
