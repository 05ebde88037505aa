package store

import (
	"encoding/json"
	"strings"
)

// Guest is a channel participant without a resolvable registered account.
// Legacy snapshots stored guests as bare discord id strings; UnmarshalJSON
// normalizes both shapes into the structured form.
type Guest struct {
	DiscordID   string `json:"discordId"`
	DisplayName string `json:"displayName,omitempty"`
	AddedAt     string `json:"addedAt,omitempty"`
}

func (g *Guest) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*g = Guest{DiscordID: bare}
		return nil
	}
	type guestAlias Guest
	var structured guestAlias
	if err := json.Unmarshal(data, &structured); err != nil {
		return err
	}
	*g = Guest(structured)
	return nil
}

type RosterEvent struct {
	ID            string   `json:"id"`
	Category      string   `json:"category,omitempty"`
	CompositionID string   `json:"compositionId,omitempty"`
	Date          string   `json:"date,omitempty"`
	Title         string   `json:"title,omitempty"`
	CreatorID     string   `json:"creatorId,omitempty"`
	Signups       []string `json:"signups"`
	Guests        []Guest  `json:"guests"`
}

// Roster is the singleton document holding schedulable events. Version
// increments on every write and guards the read-modify-write cycle.
type Roster struct {
	Scheduled   []RosterEvent `json:"scheduled"`
	Version     uint64        `json:"version"`
	LastUpdated string        `json:"lastUpdated,omitempty"`
}

func (r Roster) Event(id string) (RosterEvent, bool) {
	for _, ev := range r.Scheduled {
		if ev.ID == id {
			return cloneRosterEvent(ev), true
		}
	}
	return RosterEvent{}, false
}

func (s *Store) Roster() Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRoster(s.roster)
}

// ReplaceRosterEvent writes ev back into the roster read at version
// ifVersion. A stale version fails with ErrRevisionConflict so the caller can
// re-read and retry; this is what keeps concurrent membership mutations from
// silently overwriting each other.
func (s *Store) ReplaceRosterEvent(ev RosterEvent, ifVersion uint64) (Roster, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return Roster{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roster.Version != ifVersion {
		return Roster{}, ErrRevisionConflict
	}
	replaced := false
	for i := range s.roster.Scheduled {
		if s.roster.Scheduled[i].ID == ev.ID {
			s.roster.Scheduled[i] = cloneRosterEvent(ev)
			replaced = true
			break
		}
	}
	if !replaced {
		return Roster{}, ErrNotFound
	}
	s.roster.Version++
	s.roster.LastUpdated = nowRFC3339()
	s.persistLocked()
	return cloneRoster(s.roster), nil
}

// PutRosterEvent upserts an event unconditionally. Used by seeding and the
// control surface, not by reconciliation.
func (s *Store) PutRosterEvent(ev RosterEvent) (Roster, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return Roster{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.roster.Scheduled {
		if s.roster.Scheduled[i].ID == ev.ID {
			s.roster.Scheduled[i] = cloneRosterEvent(ev)
			replaced = true
			break
		}
	}
	if !replaced {
		s.roster.Scheduled = append(s.roster.Scheduled, cloneRosterEvent(ev))
	}
	s.roster.Version++
	s.roster.LastUpdated = nowRFC3339()
	s.persistLocked()
	return cloneRoster(s.roster), nil
}

func cloneRoster(r Roster) Roster {
	out := r
	out.Scheduled = make([]RosterEvent, len(r.Scheduled))
	for i, ev := range r.Scheduled {
		out.Scheduled[i] = cloneRosterEvent(ev)
	}
	return out
}

func cloneRosterEvent(ev RosterEvent) RosterEvent {
	out := ev
	out.Signups = append([]string(nil), ev.Signups...)
	out.Guests = append([]Guest(nil), ev.Guests...)
	return out
}

func normalizeRoster(r Roster) Roster {
	out := cloneRoster(r)
	for i := range out.Scheduled {
		if out.Scheduled[i].Signups == nil {
			out.Scheduled[i].Signups = []string{}
		}
		if out.Scheduled[i].Guests == nil {
			out.Scheduled[i].Guests = []Guest{}
		}
	}
	return out
}
