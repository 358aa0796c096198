package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/stageline/internal/models"
)

// discordSession abstracts the discordgo.Session methods we use.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink posts notifications to a Discord channel as embeds. It only
// uses the REST API, so no gateway connection is opened.
type DiscordSink struct {
	sess      discordSession
	channelID string
	backoff   time.Duration
}

// NewDiscordSink creates a sink posting with a bot token.
func NewDiscordSink(botToken, channelID string) (*DiscordSink, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &DiscordSink{sess: sess, channelID: channelID, backoff: baseBackoff}, nil
}

// Name implements Sink.
func (d *DiscordSink) Name() string { return "discord" }

// Deliver posts n as an embed.
func (d *DiscordSink) Deliver(ctx context.Context, n *models.Notification) error {
	f := Format(n)
	embed := &discordgo.MessageEmbed{
		Title:       f.Title,
		Description: f.Body,
		Color:       parseHexColor(f.Color),
	}
	for _, fl := range f.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: fl.Name, Value: fl.Value, Inline: true})
	}
	data := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}

	err := d.retryOnRateLimit(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendComplex(d.channelID, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func (d *DiscordSink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(d.backoff, attempt)):
		}
	}
}
