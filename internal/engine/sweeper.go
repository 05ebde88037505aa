package engine

import (
	"context"
	"log"
	"time"

	"github.com/roamhq/roamsync/internal/store"
)

// Sweep re-pulls the authoritative reaction snapshot for every posted record
// and overwrites the stored counts. It is the self-healing backstop for
// reaction events dropped by the best-effort feed. Returns the number of
// records corrected; per-record failures are logged and skipped.
func (e *Engine) Sweep(ctx context.Context) int {
	corrected := 0
	for _, rec := range e.store.ListRecords(store.Filter{Status: store.StatusPosted}) {
		if rec.DiscordMessageID == "" {
			continue
		}
		counts, err := e.gateway.ReactionSnapshot(ctx, rec.DiscordMessageID)
		if err != nil {
			log.Printf("engine: sweep of record %s failed: %v", rec.ID, err)
			continue
		}
		_, err = e.store.UpdateRecord(rec.ID, store.RecordPatch{
			Reactions:        counts,
			LastReactionSync: store.StringPtr(nowRFC3339()),
		})
		if err != nil {
			log.Printf("engine: sweep write-back for record %s failed: %v", rec.ID, err)
			continue
		}
		corrected++
	}
	return corrected
}

func (e *Engine) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			corrected := e.Sweep(context.Background())
			if corrected > 0 {
				log.Printf("engine: sweep corrected %d record(s)", corrected)
			}
		}
	}
}
