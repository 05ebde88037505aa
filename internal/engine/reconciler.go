package engine

import (
	"context"
	"errors"
	"log"

	"github.com/roamhq/roamsync/internal/identity"
	"github.com/roamhq/roamsync/internal/store"
)

// ReactionEvent is a per-user reaction change on the channel, already
// filtered to the configured channel, the acknowledgement symbol, and
// non-self users by the feed. LiveCount is the channel's authoritative count
// at the time of the event, not a delta.
type ReactionEvent struct {
	MessageID   string `json:"messageId"`
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Emoji       string `json:"emoji"`
	LiveCount   int    `json:"count"`
}

// ReactionsClearedEvent is a bulk clear of every reaction on a message.
type ReactionsClearedEvent struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// HandleReactionAdded reconciles a join. Events for the same message are
// handled in delivery order; unrelated messages proceed concurrently.
func (e *Engine) HandleReactionAdded(ev ReactionEvent) {
	e.dispatcher.dispatch("reaction:"+ev.MessageID, func() {
		e.reconcileReaction(ev, true)
	})
}

// HandleReactionRemoved reconciles a leave.
func (e *Engine) HandleReactionRemoved(ev ReactionEvent) {
	e.dispatcher.dispatch("reaction:"+ev.MessageID, func() {
		e.reconcileReaction(ev, false)
	})
}

// HandleReactionsCleared resets the stored count. Membership only changes
// through per-user events, so the roster is untouched.
func (e *Engine) HandleReactionsCleared(ev ReactionsClearedEvent) {
	e.dispatcher.dispatch("reaction:"+ev.MessageID, func() {
		rec, ok := e.store.RecordByMessageID(ev.MessageID)
		if !ok {
			log.Printf("engine: reactions cleared on untracked message %s", ev.MessageID)
			return
		}
		if _, err := e.store.UpdateRecord(rec.ID, store.RecordPatch{
			Reactions: map[string]int{store.ReactionAck: 0},
		}); err != nil {
			log.Printf("engine: resetting reactions on record %s failed: %v", rec.ID, err)
		}
	})
}

// reconcileReaction is the per-event algorithm: resolve the user, store the
// live count, then apply the membership change idempotently. Every failure is
// logged and the event dropped; the sweeper corrects counts eventually.
func (e *Engine) reconcileReaction(ev ReactionEvent, join bool) {
	ctx := context.Background()

	rec, ok := e.store.RecordByMessageID(ev.MessageID)
	if !ok {
		// Message predates tracking or belongs to an unrelated post.
		log.Printf("engine: reaction on untracked message %s dropped", ev.MessageID)
		return
	}

	resolved, known, err := e.resolver.Resolve(ctx, ev.UserID)
	if err != nil {
		log.Printf("engine: resolving user %s failed, event dropped: %v", ev.UserID, err)
		return
	}

	counts := map[string]int{store.ReactionAck: ev.LiveCount}
	if _, err := e.store.UpdateRecord(rec.ID, store.RecordPatch{Reactions: counts}); err != nil {
		log.Printf("engine: storing reaction count for record %s failed: %v", rec.ID, err)
		return
	}

	if rec.RoamID == "" {
		return
	}
	var account *identity.Identity
	if known {
		account = &resolved
	}
	err = e.mutateRosterEvent(rec.RoamID, func(rosterEv *store.RosterEvent) bool {
		if join {
			return applyJoin(rosterEv, ev.UserID, ev.DisplayName, account)
		}
		changed, present := applyLeave(rosterEv, ev.UserID)
		if !present {
			log.Printf("engine: user %s was not signed up for event %s", ev.UserID, rosterEv.ID)
		}
		return changed
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("engine: record %s references missing roster event %s", rec.ID, rec.RoamID)
		return
	}
	if err != nil {
		log.Printf("engine: roster update for event %s failed, event dropped: %v", rec.RoamID, err)
	}
}

// mutateRosterEvent is the optimistic-concurrency loop around the roster's
// read-modify-write cycle. mutate returns false for a no-op, in which case
// nothing is written.
func (e *Engine) mutateRosterEvent(eventID string, mutate func(*store.RosterEvent) bool) error {
	var lastErr error
	for attempt := 0; attempt <= e.rosterRetries; attempt++ {
		roster := e.store.Roster()
		rosterEv, ok := roster.Event(eventID)
		if !ok {
			return store.ErrNotFound
		}
		if !mutate(&rosterEv) {
			return nil
		}
		if _, err := e.store.ReplaceRosterEvent(rosterEv, roster.Version); err != nil {
			if errors.Is(err, store.ErrRevisionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// applyJoin keeps an id in at most one of signups/guests. A known account in
// signups and a guest already in guests are both no-ops; a known account
// found among guests is promoted. An id already in signups stays there even
// when the account no longer resolves: promotion is one-way.
func applyJoin(ev *store.RosterEvent, userID, displayName string, account *identity.Identity) bool {
	if account != nil {
		if containsString(ev.Signups, userID) {
			return false
		}
		removeGuest(ev, userID)
		ev.Signups = append(ev.Signups, userID)
		return true
	}
	if containsString(ev.Signups, userID) {
		return false
	}
	if guestIndex(*ev, userID) >= 0 {
		return false
	}
	ev.Guests = append(ev.Guests, store.Guest{
		DiscordID:   userID,
		DisplayName: displayName,
		AddedAt:     nowRFC3339(),
	})
	return true
}

// applyLeave removes from signups first, then guests. Guests are never
// promoted or demoted here.
func applyLeave(ev *store.RosterEvent, userID string) (changed, present bool) {
	for i, id := range ev.Signups {
		if id == userID {
			ev.Signups = append(ev.Signups[:i], ev.Signups[i+1:]...)
			return true, true
		}
	}
	if removeGuest(ev, userID) {
		return true, true
	}
	return false, false
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func guestIndex(ev store.RosterEvent, userID string) int {
	for i, guest := range ev.Guests {
		if guest.DiscordID == userID {
			return i
		}
	}
	return -1
}

func removeGuest(ev *store.RosterEvent, userID string) bool {
	idx := guestIndex(*ev, userID)
	if idx < 0 {
		return false
	}
	ev.Guests = append(ev.Guests[:idx], ev.Guests[idx+1:]...)
	return true
}
