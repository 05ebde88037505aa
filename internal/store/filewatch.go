package store

import (
	"log"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher observes the JSON state file for out-of-band writes by external
// processes and folds them into the live store, synthesizing change
// notifications for records that appeared or changed. The store's own saves
// are a no-op here: after a save the file matches memory, so the diff is
// empty.
type FileWatcher struct {
	store    *Store
	path     string
	backend  *JSONFileStateBackend
	watcher  *fsnotify.Watcher
	debounce time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func WatchStateFile(s *Store, path string) (*FileWatcher, error) {
	path = strings.TrimSpace(path)
	if s == nil || path == "" {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic rename-into-place replaces
	// the inode and would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	fw := &FileWatcher{
		store:    s,
		path:     filepath.Clean(path),
		backend:  NewJSONFileStateBackend(path),
		watcher:  watcher,
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.run()
	return fw, nil
}

func (fw *FileWatcher) Close() {
	if fw == nil {
		return
	}
	fw.closeOnce.Do(func() {
		close(fw.done)
		_ = fw.watcher.Close()
		fw.wg.Wait()
	})
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(fw.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			fw.reload()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("store: state file watch error: %v", err)
		}
	}
}

func (fw *FileWatcher) reload() {
	snapshot, err := fw.backend.Load()
	if err != nil {
		log.Printf("store: reload state file failed: %v", err)
		return
	}
	if snapshot == nil {
		return
	}
	fw.store.applyExternalSnapshot(snapshot)
}

// applyExternalSnapshot merges a snapshot read from disk into memory. Records
// that appeared or changed generate notifications; externally removed records
// are ignored (deletion is soft and flows through DeleteRecord).
func (s *Store) applyExternalSnapshot(snapshot *persistedState) {
	changes := make([]Change, 0)

	s.mu.Lock()
	for id, incoming := range snapshot.Records {
		current, exists := s.records[id]
		if exists && reflect.DeepEqual(current, incoming) {
			continue
		}
		kind := ChangeUpdated
		if !exists {
			kind = ChangeCreated
		}
		s.records[id] = cloneRecord(incoming)
		changes = append(changes, Change{Kind: kind, Record: cloneRecord(incoming)})
	}
	if snapshot.Roster.Version > s.roster.Version {
		s.roster = normalizeRoster(snapshot.Roster)
	}
	for discordID, account := range snapshot.Accounts {
		if _, exists := s.accounts[discordID]; !exists {
			s.accounts[discordID] = account
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notify(change)
	}
	if len(changes) > 0 {
		log.Printf("store: applied %d external record change(s) from state file", len(changes))
	}
}
