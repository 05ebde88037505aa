package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roamhq/roamsync/internal/gateway"
	"github.com/roamhq/roamsync/internal/store"
)

// fakeChannel is an in-memory stand-in for the Discord REST client. Message
// ids are handed out sequentially; reaction counts are seeded per message.
type fakeChannel struct {
	mu        sync.Mutex
	nextID    int
	sends     []string
	edits     map[string][]string
	counts    map[string]map[string]int
	countsErr map[string]error
	sendErr   error
	editErr   error

	// When set, EditMessage announces itself on editStarted and then parks
	// until editRelease is closed.
	editStarted chan string
	editRelease chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		edits:     map[string][]string{},
		counts:    map[string]map[string]int{},
		countsErr: map[string]error{},
	}
}

func (f *fakeChannel) CreateMessage(ctx context.Context, channelID, content string) (gateway.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return gateway.SendResult{}, f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, content)
	return gateway.SendResult{MessageID: fmt.Sprintf("M%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeChannel) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	f.mu.Lock()
	started := f.editStarted
	release := f.editRelease
	f.mu.Unlock()
	if started != nil {
		started <- messageID
	}
	if release != nil {
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[messageID] = append(f.edits[messageID], content)
	return nil
}

func (f *fakeChannel) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return nil
}

func (f *fakeChannel) MessageReactions(ctx context.Context, channelID, messageID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countsErr[messageID]; err != nil {
		return nil, err
	}
	out := map[string]int{}
	for emoji, count := range f.counts[messageID] {
		out[emoji] = count
	}
	return out, nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) editCount(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits[messageID])
}

func (f *fakeChannel) lastEdit(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.edits[messageID]
	if len(bodies) == 0 {
		return ""
	}
	return bodies[len(bodies)-1]
}

func newTestEngine(t *testing.T, channel *fakeChannel) (*store.Store, *Engine) {
	t.Helper()
	st := store.New(store.Options{})
	t.Cleanup(st.Close)
	gw, err := gateway.New(channel, gateway.Config{ChannelID: "C1", GuildID: "G1"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	eng, err := New(Options{Store: st, Gateway: gw, FlagClearDelay: 25 * time.Millisecond})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return st, eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresStoreAndGateway(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without store and gateway")
	}
}

func TestKeyedDispatcherOrdersWithinKey(t *testing.T) {
	d := newKeyedDispatcher()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		d.dispatch("k", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	d.wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("task %d ran out of order: %v", i, order)
		}
	}
}

func TestStoreDirectoryLooksUpAccounts(t *testing.T) {
	st := store.New(store.Options{})
	t.Cleanup(st.Close)
	if err := st.PutAccount(store.Account{ID: "acct-1", DiscordID: "U1", DisplayName: "Uma"}); err != nil {
		t.Fatalf("put account: %v", err)
	}

	dir := NewStoreDirectory(st)
	resolved, ok, err := dir.LookupAccount(context.Background(), "U1")
	if err != nil || !ok {
		t.Fatalf("lookup failed: %v ok=%t", err, ok)
	}
	if resolved.AccountID != "acct-1" || resolved.DisplayName != "Uma" {
		t.Fatalf("unexpected identity: %+v", resolved)
	}
	if _, ok, _ := dir.LookupAccount(context.Background(), "U2"); ok {
		t.Fatalf("expected miss for unknown user")
	}
}
