package engine

import (
	"context"
	"log"
	"time"

	"github.com/roamhq/roamsync/internal/gateway"
	"github.com/roamhq/roamsync/internal/store"
)

func (e *Engine) consumePending(changes <-chan store.Change) {
	for change := range changes {
		if change.Kind == store.ChangeDeleted {
			continue
		}
		recordID := change.Record.ID
		e.dispatcher.dispatch(recordID, func() {
			e.handlePending(recordID)
		})
	}
}

// handlePending announces a pending record on the channel and writes back the
// message coordinates. The record is re-read so a duplicate notification for
// an already-posted record is a no-op.
func (e *Engine) handlePending(recordID string) {
	rec, err := e.store.GetRecord(recordID)
	if err != nil {
		log.Printf("engine: pending record %s vanished: %v", recordID, err)
		return
	}
	if rec.Status != store.StatusPending {
		return
	}
	ctx := context.Background()
	result, err := e.gateway.Post(ctx, rec)
	if err != nil {
		log.Printf("engine: posting record %s failed: %v", recordID, err)
		e.markPostError(recordID, err)
		return
	}
	_, err = e.store.UpdateRecord(recordID, store.RecordPatch{
		Status:           store.StatusPtr(store.StatusPosted),
		DiscordMessageID: store.StringPtr(result.MessageID),
		DiscordChannelID: store.StringPtr(result.ChannelID),
		DiscordURL:       store.StringPtr(result.URL),
		PostedAt:         store.StringPtr(nowRFC3339()),
		Reactions:        map[string]int{store.ReactionAck: 0},
	})
	if err != nil {
		log.Printf("engine: write-back for posted record %s failed: %v", recordID, err)
		e.markPostError(recordID, err)
	}
}

func (e *Engine) markPostError(recordID string, cause error) {
	_, err := e.store.UpdateRecord(recordID, store.RecordPatch{
		Status:    store.StatusPtr(store.StatusError),
		Error:     store.StringPtr(cause.Error()),
		ErroredAt: store.StringPtr(nowRFC3339()),
	})
	if err != nil {
		log.Printf("engine: marking record %s errored failed: %v", recordID, err)
	}
}

func (e *Engine) consumeUpdates(changes <-chan store.Change) {
	for change := range changes {
		rec := change.Record
		// The engine's own write-back carries this marker; reacting to it
		// would edit the message again.
		if rec.InternalUpdate {
			continue
		}
		if !rec.UpdateRequested {
			continue
		}
		recordID := rec.ID
		e.dispatcher.dispatch(recordID, func() {
			e.handleUpdate(recordID)
		})
	}
}

// handleUpdate re-renders the record and edits its announced message. Each
// trigger does a full re-render from current state, so a stale in-flight edit
// is superseded by the next one rather than conflicting.
func (e *Engine) handleUpdate(recordID string) {
	rec, err := e.store.GetRecord(recordID)
	if err != nil {
		log.Printf("engine: update-requested record %s vanished: %v", recordID, err)
		return
	}
	if !rec.UpdateRequested || rec.Status == store.StatusDeleted {
		return
	}
	if rec.DiscordMessageID == "" {
		log.Printf("engine: record %s requested an update but has no channel message", recordID)
		e.markUpdateError(recordID, store.ErrInvalidState)
		return
	}

	// The flag may only be cleared if the record still renders to the body
	// this handler sent. A request that lands mid-edit changes the render,
	// keeps the flag, and its queued handler supersedes this edit.
	sent := gateway.RenderMessage(rec, e.gateway.AckEmoji())
	unchanged := func(current store.Record) bool {
		return gateway.RenderMessage(current, e.gateway.AckEmoji()) == sent
	}

	ctx := context.Background()
	if err := e.gateway.Update(ctx, rec); err != nil {
		log.Printf("engine: editing message for record %s failed: %v", recordID, err)
		if _, _, markErr := e.store.UpdateRecordIf(recordID, store.RecordPatch{
			UpdateRequested: store.BoolPtr(false),
			UpdateError:     store.StringPtr(err.Error()),
		}, unchanged); markErr != nil {
			log.Printf("engine: marking record %s update-errored failed: %v", recordID, markErr)
		}
		return
	}
	_, applied, err := e.store.UpdateRecordIf(recordID, store.RecordPatch{
		UpdateRequested: store.BoolPtr(false),
		InternalUpdate:  store.BoolPtr(true),
		LastUpdated:     store.StringPtr(nowRFC3339()),
		UpdateError:     store.StringPtr(""),
	}, unchanged)
	if err != nil {
		log.Printf("engine: write-back after edit of record %s failed: %v", recordID, err)
		return
	}
	if !applied {
		return
	}
	e.scheduleFlagClear(recordID)
}

// markUpdateError records the failure on the record and still clears the
// consumed updateRequested flag so it is never left dangling.
func (e *Engine) markUpdateError(recordID string, cause error) {
	_, err := e.store.UpdateRecord(recordID, store.RecordPatch{
		UpdateRequested: store.BoolPtr(false),
		UpdateError:     store.StringPtr(cause.Error()),
	})
	if err != nil {
		log.Printf("engine: marking record %s update-errored failed: %v", recordID, err)
	}
}

// scheduleFlagClear clears the loop-prevention marker after a short delay.
// The watch mechanism is asynchronous and may deliver the flag-setting write
// itself as a fresh change; the delay outlives that delivery. A newer edit
// supersedes a pending clear.
func (e *Engine) scheduleFlagClear(recordID string) {
	e.timerMu.Lock()
	if existing, ok := e.flagTimers[recordID]; ok {
		existing.Stop()
	}
	e.flagTimers[recordID] = time.AfterFunc(e.flagClearDelay, func() {
		e.timerMu.Lock()
		delete(e.flagTimers, recordID)
		e.timerMu.Unlock()
		select {
		case <-e.done:
			return
		default:
		}
		if _, err := e.store.UpdateRecord(recordID, store.RecordPatch{
			InternalUpdate: store.BoolPtr(false),
		}); err != nil {
			log.Printf("engine: clearing update marker on record %s failed: %v", recordID, err)
		}
	})
	e.timerMu.Unlock()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
