package store

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
)

// ReactionAck is the single reaction symbol tracked on announced records.
const ReactionAck = "ack"

type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusError   Status = "error"
	StatusDeleted Status = "deleted"
)

type Record struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Author           string         `json:"author"`
	AdditionalInfo   string         `json:"additionalInfo,omitempty"`
	RoamID           string         `json:"roamId,omitempty"`
	RoamDetails      string         `json:"roamDetails,omitempty"`
	Status           Status         `json:"status"`
	DiscordMessageID string         `json:"discordMessageId,omitempty"`
	DiscordChannelID string         `json:"discordChannelId,omitempty"`
	DiscordURL       string         `json:"discordUrl,omitempty"`
	Reactions        map[string]int `json:"reactions,omitempty"`
	UpdateRequested  bool           `json:"updateRequested"`
	InternalUpdate   bool           `json:"internalUpdateInFlight,omitempty"`
	Error            string         `json:"error,omitempty"`
	UpdateError      string         `json:"updateError,omitempty"`
	CreatedAt        string         `json:"createdAt"`
	PostedAt         string         `json:"postedAt,omitempty"`
	LastUpdated      string         `json:"lastUpdated,omitempty"`
	ErroredAt        string         `json:"erroredAt,omitempty"`
	LastReactionSync string         `json:"lastReactionSync,omitempty"`
	DeletedAt        string         `json:"deletedAt,omitempty"`
}

// RecordPatch updates only the fields whose pointers are non-nil. Reactions
// replaces the whole map when non-nil.
type RecordPatch struct {
	Title            *string
	Description      *string
	Author           *string
	AdditionalInfo   *string
	RoamDetails      *string
	Status           *Status
	DiscordMessageID *string
	DiscordChannelID *string
	DiscordURL       *string
	Reactions        map[string]int
	UpdateRequested  *bool
	InternalUpdate   *bool
	Error            *string
	UpdateError      *string
	PostedAt         *string
	LastUpdated      *string
	ErroredAt        *string
	LastReactionSync *string
}

type Account struct {
	ID          string `json:"id"`
	DiscordID   string `json:"discordId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

type Change struct {
	Kind   ChangeKind `json:"kind"`
	Record Record     `json:"record"`
}

// Filter selects the records a watch subscription is notified about. A zero
// Filter matches every change.
type Filter struct {
	Status          Status
	UpdateRequested bool
}

func (f Filter) Matches(rec Record) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.UpdateRequested && !rec.UpdateRequested {
		return false
	}
	return true
}

type subscription struct {
	filter Filter
	ch     chan Change
}

type persistedState struct {
	Records  map[string]Record  `json:"records"`
	Roster   Roster             `json:"roster"`
	Accounts map[string]Account `json:"accounts"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type Options struct {
	StateFile   string
	Backend     StateBackend
	WatchBuffer int
}

type Store struct {
	mu       sync.RWMutex
	records  map[string]Record
	roster   Roster
	accounts map[string]Account

	backend     StateBackend
	watchBuffer int

	subMu   sync.Mutex
	subs    map[int]*subscription
	nextSub int
	dropped uint64

	closed    chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Store {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	watchBuffer := opts.WatchBuffer
	if watchBuffer <= 0 {
		watchBuffer = 64
	}
	s := &Store{
		records:     map[string]Record{},
		accounts:    map[string]Account{},
		backend:     backend,
		watchBuffer: watchBuffer,
		subs:        map[int]*subscription{},
		closed:      make(chan struct{}),
	}
	if err := s.load(); err != nil {
		log.Printf("store: load state failed: %v", err)
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.subMu.Lock()
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) load() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySnapshotLocked(snapshot)
	return nil
}

func (s *Store) applySnapshotLocked(snapshot *persistedState) {
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	if snapshot.Accounts != nil {
		s.accounts = snapshot.Accounts
	}
	s.roster = normalizeRoster(snapshot.Roster)
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	snapshot := &persistedState{
		Records:  map[string]Record{},
		Roster:   cloneRoster(s.roster),
		Accounts: map[string]Account{},
	}
	for id, rec := range s.records {
		snapshot.Records[id] = cloneRecord(rec)
	}
	for id, account := range s.accounts {
		snapshot.Accounts[id] = account
	}
	if err := s.backend.Save(snapshot); err != nil {
		log.Printf("store: save state failed: %v", err)
	}
}

// Watch registers a subscription for record changes matching filter. The
// returned cancel func unregisters it and closes the channel. Notifications
// are best-effort: a subscriber that falls behind loses changes rather than
// blocking writers.
func (s *Store) Watch(filter Filter) (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	sub := &subscription{filter: filter, ch: make(chan Change, s.watchBuffer)}
	s.subs[id] = sub
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if registered, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(registered.ch)
		}
	}
	return sub.ch, cancel
}

func (s *Store) notify(change Change) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if !sub.filter.Matches(change.Record) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			dropped := atomic.AddUint64(&s.dropped, 1)
			log.Printf("store: watch subscriber overrun, dropped change for %s (total dropped %d)", change.Record.ID, dropped)
		}
	}
}

// DroppedChanges reports how many watch notifications were discarded because
// a subscriber channel was full.
func (s *Store) DroppedChanges() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Store) CreateRecord(rec Record) (Record, error) {
	if strings.TrimSpace(rec.Title) == "" {
		return Record{}, ErrInvalidInput
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = nowRFC3339()
	}

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return Record{}, ErrInvalidState
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.persistLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCreated, Record: cloneRecord(rec)})
	return rec, nil
}

func (s *Store) GetRecord(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// RecordByMessageID finds the live record announced as the given channel
// message. Soft-deleted records are not matched.
func (s *Store) RecordByMessageID(messageID string) (Record, bool) {
	if strings.TrimSpace(messageID) == "" {
		return Record{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Status == StatusDeleted {
			continue
		}
		if rec.DiscordMessageID == messageID {
			return cloneRecord(rec), true
		}
	}
	return Record{}, false
}

func (s *Store) ListRecords(filter Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) UpdateRecord(id string, patch RecordPatch) (Record, error) {
	rec, _, err := s.UpdateRecordIf(id, patch, nil)
	return rec, err
}

// UpdateRecordIf applies patch only while cond holds for the record's current
// state; cond runs under the store lock, so the check and the write are one
// step. When cond rejects, the current record is returned with applied false
// and nothing is written or notified.
func (s *Store) UpdateRecordIf(id string, patch RecordPatch, cond func(Record) bool) (Record, bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, false, ErrNotFound
	}
	if rec.Status == StatusDeleted {
		s.mu.Unlock()
		return Record{}, false, ErrInvalidState
	}
	if cond != nil && !cond(cloneRecord(rec)) {
		current := cloneRecord(rec)
		s.mu.Unlock()
		return current, false, nil
	}
	applyPatch(&rec, patch)
	s.records[id] = cloneRecord(rec)
	s.persistLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpdated, Record: cloneRecord(rec)})
	return rec, true, nil
}

// DeleteRecord soft-deletes: the record stays in the store and its channel
// message is left untouched.
func (s *Store) DeleteRecord(id string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusDeleted {
		s.mu.Unlock()
		return cloneRecord(rec), nil
	}
	rec.Status = StatusDeleted
	rec.DeletedAt = nowRFC3339()
	rec.UpdateRequested = false
	s.records[id] = cloneRecord(rec)
	s.persistLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDeleted, Record: cloneRecord(rec)})
	return rec, nil
}

func (s *Store) PutAccount(account Account) error {
	if strings.TrimSpace(account.DiscordID) == "" {
		return ErrInvalidInput
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.DiscordID] = account
	s.persistLocked()
	return nil
}

func (s *Store) AccountByDiscordID(discordID string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[discordID]
	return account, ok
}

func applyPatch(rec *Record, patch RecordPatch) {
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Author != nil {
		rec.Author = *patch.Author
	}
	if patch.AdditionalInfo != nil {
		rec.AdditionalInfo = *patch.AdditionalInfo
	}
	if patch.RoamDetails != nil {
		rec.RoamDetails = *patch.RoamDetails
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.DiscordMessageID != nil {
		rec.DiscordMessageID = *patch.DiscordMessageID
	}
	if patch.DiscordChannelID != nil {
		rec.DiscordChannelID = *patch.DiscordChannelID
	}
	if patch.DiscordURL != nil {
		rec.DiscordURL = *patch.DiscordURL
	}
	if patch.Reactions != nil {
		rec.Reactions = patch.Reactions
	}
	if patch.UpdateRequested != nil {
		rec.UpdateRequested = *patch.UpdateRequested
	}
	if patch.InternalUpdate != nil {
		rec.InternalUpdate = *patch.InternalUpdate
	}
	if patch.Error != nil {
		rec.Error = *patch.Error
	}
	if patch.UpdateError != nil {
		rec.UpdateError = *patch.UpdateError
	}
	if patch.PostedAt != nil {
		rec.PostedAt = *patch.PostedAt
	}
	if patch.LastUpdated != nil {
		rec.LastUpdated = *patch.LastUpdated
	}
	if patch.ErroredAt != nil {
		rec.ErroredAt = *patch.ErroredAt
	}
	if patch.LastReactionSync != nil {
		rec.LastReactionSync = *patch.LastReactionSync
	}
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Reactions != nil {
		out.Reactions = make(map[string]int, len(rec.Reactions))
		for symbol, count := range rec.Reactions {
			out.Reactions[symbol] = count
		}
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// StringPtr and friends keep patch construction readable at call sites.
func StringPtr(v string) *string { return &v }
func BoolPtr(v bool) *bool       { return &v }
func StatusPtr(v Status) *Status { return &v }
