// Package gateway sends and edits the channel messages that mirror
// announcement records, and exposes the channel's authoritative reaction
// counts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roamhq/roamsync/internal/store"
)

var ErrMissingConfig = errors.New("missing configuration")

const DefaultAckEmoji = "✅" // white heavy check mark

type SendResult struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	URL       string `json:"url,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type MessageClient interface {
	CreateMessage(ctx context.Context, channelID, content string) (SendResult, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	CreateReaction(ctx context.Context, channelID, messageID, emoji string) error
	MessageReactions(ctx context.Context, channelID, messageID string) (map[string]int, error)
}

type Config struct {
	ChannelID string
	GuildID   string
	AckEmoji  string
}

type Gateway struct {
	client MessageClient
	cfg    Config
}

// New fails when the target channel is not configured; the process must not
// start without one.
func New(client MessageClient, cfg Config) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: message client", ErrMissingConfig)
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, fmt.Errorf("%w: channel id", ErrMissingConfig)
	}
	if strings.TrimSpace(cfg.AckEmoji) == "" {
		cfg.AckEmoji = DefaultAckEmoji
	}
	return &Gateway{client: client, cfg: cfg}, nil
}

func (g *Gateway) ChannelID() string {
	return g.cfg.ChannelID
}

func (g *Gateway) AckEmoji() string {
	return g.cfg.AckEmoji
}

// Post announces a record on the configured channel and attaches the
// acknowledgement mark. A failed reaction attach does not fail the post; the
// message is already live and the mark is cosmetic.
func (g *Gateway) Post(ctx context.Context, rec store.Record) (SendResult, error) {
	body := RenderMessage(rec, g.cfg.AckEmoji)
	result, err := g.client.CreateMessage(ctx, g.cfg.ChannelID, body)
	if err != nil {
		return SendResult{}, err
	}
	if result.ChannelID == "" {
		result.ChannelID = g.cfg.ChannelID
	}
	if result.URL == "" {
		result.URL = g.messageURL(result.ChannelID, result.MessageID)
	}
	if err := g.client.CreateReaction(ctx, result.ChannelID, result.MessageID, g.cfg.AckEmoji); err != nil {
		return result, nil
	}
	return result, nil
}

// Update re-renders the record and edits its announced message in place.
func (g *Gateway) Update(ctx context.Context, rec store.Record) error {
	if strings.TrimSpace(rec.DiscordMessageID) == "" {
		return store.ErrInvalidState
	}
	channelID := rec.DiscordChannelID
	if channelID == "" {
		channelID = g.cfg.ChannelID
	}
	body := RenderMessage(rec, g.cfg.AckEmoji)
	return g.client.EditMessage(ctx, channelID, rec.DiscordMessageID, body)
}

// ReactionSnapshot returns the channel's live counts for a message, keyed by
// the store's reaction alphabet. Only the acknowledgement symbol is tracked.
func (g *Gateway) ReactionSnapshot(ctx context.Context, messageID string) (map[string]int, error) {
	counts, err := g.client.MessageReactions(ctx, g.cfg.ChannelID, messageID)
	if err != nil {
		return nil, err
	}
	return map[string]int{store.ReactionAck: counts[g.cfg.AckEmoji]}, nil
}

func (g *Gateway) messageURL(channelID, messageID string) string {
	guild := strings.TrimSpace(g.cfg.GuildID)
	if guild == "" {
		guild = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guild, channelID, messageID)
}
