// Package feed consumes the channel's event socket and forwards reaction
// events to the engine. Events from other channels, from the system's own
// account, or with a symbol other than the acknowledgement mark are discarded
// here, before they reach the engine.
package feed

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roamhq/roamsync/internal/engine"
	"github.com/roamhq/roamsync/internal/store"
)

type Handler interface {
	HandleReactionAdded(ev engine.ReactionEvent)
	HandleReactionRemoved(ev engine.ReactionEvent)
	HandleReactionsCleared(ev engine.ReactionsClearedEvent)
}

type Options struct {
	URL        string
	ChannelID  string
	SelfUserID string
	AckEmoji   string
	Handler    Handler

	// ReconnectBase/ReconnectMax bound the backoff between dial attempts.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

type wireEvent struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// Feed runs for the process lifetime, reconnecting with capped exponential
// backoff whenever the socket drops.
type Feed struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) (*Feed, error) {
	if strings.TrimSpace(opts.URL) == "" || opts.Handler == nil {
		return nil, store.ErrInvalidInput
	}
	if strings.TrimSpace(opts.ChannelID) == "" {
		return nil, store.ErrInvalidInput
	}
	if opts.AckEmoji == "" {
		opts.AckEmoji = "✅"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{opts: opts, ctx: ctx, cancel: cancel}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.cancel()
		f.wg.Wait()
	})
}

func (f *Feed) run() {
	defer f.wg.Done()
	delay := f.opts.ReconnectBase
	for {
		if f.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(f.ctx, f.opts.URL, nil)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			log.Printf("feed: dial %s failed: %v", f.opts.URL, err)
			if !sleepContext(f.ctx, delay) {
				return
			}
			delay *= 2
			if delay > f.opts.ReconnectMax {
				delay = f.opts.ReconnectMax
			}
			continue
		}
		delay = f.opts.ReconnectBase
		f.consume(conn)
	}
}

func (f *Feed) consume(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var ev wireEvent
		if err := wsjson.Read(f.ctx, conn, &ev); err != nil {
			if f.ctx.Err() != nil || errors.As(err, new(websocket.CloseError)) {
				return
			}
			log.Printf("feed: read failed, reconnecting: %v", err)
			return
		}
		f.dispatch(ev)
	}
}

func (f *Feed) dispatch(ev wireEvent) {
	if ev.ChannelID != "" && ev.ChannelID != f.opts.ChannelID {
		return
	}
	switch ev.Type {
	case "reaction_added", "reaction_removed":
		if ev.UserID == f.opts.SelfUserID {
			return
		}
		if ev.Emoji != f.opts.AckEmoji {
			return
		}
		reaction := engine.ReactionEvent{
			MessageID:   ev.MessageID,
			ChannelID:   ev.ChannelID,
			UserID:      ev.UserID,
			DisplayName: ev.DisplayName,
			Emoji:       ev.Emoji,
			LiveCount:   ev.Count,
		}
		if ev.Type == "reaction_added" {
			f.opts.Handler.HandleReactionAdded(reaction)
		} else {
			f.opts.Handler.HandleReactionRemoved(reaction)
		}
	case "reactions_cleared":
		f.opts.Handler.HandleReactionsCleared(engine.ReactionsClearedEvent{
			MessageID: ev.MessageID,
			ChannelID: ev.ChannelID,
		})
	default:
		// Heartbeats and unrelated gateway events.
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
