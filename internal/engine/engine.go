// Package engine holds the synchronization core: the change listener that
// announces records on the channel, the reaction reconciler that folds
// channel reactions back into the store and roster, and the sweeper that
// corrects reaction-count drift.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roamhq/roamsync/internal/gateway"
	"github.com/roamhq/roamsync/internal/identity"
	"github.com/roamhq/roamsync/internal/store"
)

type Options struct {
	Store          *store.Store
	Gateway        *gateway.Gateway
	Resolver       identity.Resolver
	FlagClearDelay time.Duration
	SweepInterval  time.Duration
	RosterRetries  int
}

// Engine owns every subscription, worker, and timer it starts; Close tears
// them down deterministically. There is no package-level state.
type Engine struct {
	store          *store.Store
	gateway        *gateway.Gateway
	resolver       identity.Resolver
	flagClearDelay time.Duration
	rosterRetries  int

	dispatcher *keyedDispatcher

	timerMu    sync.Mutex
	flagTimers map[string]*time.Timer

	cancelPending func()
	cancelUpdates func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Gateway == nil {
		return nil, store.ErrInvalidInput
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = identity.NewCache(NewStoreDirectory(opts.Store), identity.CacheOptions{})
	}
	flagClearDelay := opts.FlagClearDelay
	if flagClearDelay <= 0 {
		flagClearDelay = time.Second
	}
	rosterRetries := opts.RosterRetries
	if rosterRetries <= 0 {
		rosterRetries = 3
	}
	e := &Engine{
		store:          opts.Store,
		gateway:        opts.Gateway,
		resolver:       resolver,
		flagClearDelay: flagClearDelay,
		rosterRetries:  rosterRetries,
		dispatcher:     newKeyedDispatcher(),
		flagTimers:     map[string]*time.Timer{},
		done:           make(chan struct{}),
	}

	pendingCh, cancelPending := opts.Store.Watch(store.Filter{Status: store.StatusPending})
	updateCh, cancelUpdates := opts.Store.Watch(store.Filter{UpdateRequested: true})
	e.cancelPending = cancelPending
	e.cancelUpdates = cancelUpdates

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.consumePending(pendingCh)
	}()
	go func() {
		defer e.wg.Done()
		e.consumeUpdates(updateCh)
	}()

	if opts.SweepInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sweepLoop(opts.SweepInterval)
		}()
	}
	return e, nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.cancelPending != nil {
			e.cancelPending()
		}
		if e.cancelUpdates != nil {
			e.cancelUpdates()
		}
		e.timerMu.Lock()
		for id, timer := range e.flagTimers {
			timer.Stop()
			delete(e.flagTimers, id)
		}
		e.timerMu.Unlock()
		e.wg.Wait()
		e.dispatcher.wait()
	})
}

// StoreDirectory exposes the store's account table as an identity directory.
type StoreDirectory struct {
	store *store.Store
}

func NewStoreDirectory(s *store.Store) *StoreDirectory {
	return &StoreDirectory{store: s}
}

func (d *StoreDirectory) LookupAccount(ctx context.Context, discordID string) (identity.Identity, bool, error) {
	account, ok := d.store.AccountByDiscordID(discordID)
	if !ok {
		return identity.Identity{}, false, nil
	}
	return identity.Identity{AccountID: account.ID, DisplayName: account.DisplayName}, true, nil
}

// keyedDispatcher runs tasks concurrently across keys while preserving
// submission order within a key. One short-lived goroutine drains each active
// key's queue and exits when it empties.
type keyedDispatcher struct {
	mu     sync.Mutex
	queues map[string][]func()
	active map[string]bool
	wg     sync.WaitGroup
}

func newKeyedDispatcher() *keyedDispatcher {
	return &keyedDispatcher{
		queues: map[string][]func(){},
		active: map[string]bool{},
	}
}

func (d *keyedDispatcher) dispatch(key string, task func()) {
	d.mu.Lock()
	d.queues[key] = append(d.queues[key], task)
	if !d.active[key] {
		d.active[key] = true
		d.wg.Add(1)
		go d.drain(key)
	}
	d.mu.Unlock()
}

func (d *keyedDispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			d.active[key] = false
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()
		task()
	}
}

func (d *keyedDispatcher) wait() {
	d.wg.Wait()
}
