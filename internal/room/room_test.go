package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strukturag/pdfdraw/internal/auth"
	"github.com/strukturag/pdfdraw/internal/backend"
)

type fakePeer struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *fakePeer) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *fakePeer) messagesOfType(kind string) []Message {
	var out []Message
	for _, m := range p.messages() {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeStore keeps items in memory and signals asynchronous writes.
type fakeStore struct {
	mu      sync.Mutex
	items   map[string]backend.Item
	listErr error
	stored  chan struct{}
	deleted chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:   make(map[string]backend.Item),
		stored:  make(chan struct{}, 16),
		deleted: make(chan struct{}, 16),
	}
}

func itemKey(fileID string, page int, name string) string {
	return fmt.Sprintf("%s/%d/%s", fileID, page, name)
}

func (s *fakeStore) ListItems(ctx context.Context, fileID string) ([]backend.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var items []backend.Item
	for _, item := range s.items {
		items = append(items, item)
	}
	return items, nil
}

func (s *fakeStore) StoreItem(ctx context.Context, fileID string, page int, name, data string) error {
	s.mu.Lock()
	s.items[itemKey(fileID, page, name)] = backend.Item{Page: page, Name: name, Data: data}
	s.mu.Unlock()
	s.stored <- struct{}{}
	return nil
}

func (s *fakeStore) DeleteItem(ctx context.Context, fileID string, page int, name string) error {
	s.mu.Lock()
	delete(s.items, itemKey(fileID, page, name))
	s.mu.Unlock()
	s.deleted <- struct{}{}
	return nil
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func intPtr(v int) *int { return &v }

func testRegistry(store ItemStore) *Registry {
	return NewRegistry([]byte("secret"), func(string) ItemStore { return store }, nil)
}

func TestPermissionGate(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	reader := &fakePeer{id: "reader"}
	noClaim := &fakePeer{id: "no-claim"}
	r := reg.Join("42", "https://cloud.example.org", reader, Participant{
		DisplayName: "Reader",
		Permissions: intPtr(auth.PermissionRead),
	})
	reg.Join("42", "https://cloud.example.org", noClaim, Participant{DisplayName: "Legacy"})

	for _, id := range []string{"reader", "no-claim", "stranger"} {
		if r.AddItem(id, 1, "shape-1", "{}") {
			t.Errorf("AddItem accepted for %s", id)
		}
		if r.RemoveItem(id, 1, "shape-1") {
			t.Errorf("RemoveItem accepted for %s", id)
		}
		if r.SetCurrentPage(id, 2) {
			t.Errorf("SetCurrentPage accepted for %s", id)
		}
	}
	if len(r.Items()) != 0 {
		t.Fatalf("items changed despite rejections: %v", r.Items())
	}
}

func TestAddItemPersistsAndWins(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	writer := &fakePeer{id: "writer"}
	r := reg.Join("42", "https://cloud.example.org", writer, Participant{
		DisplayName: "Writer",
		Permissions: intPtr(auth.PermissionAll),
	})

	if !r.AddItem("writer", 1, "shape-1", `{"v":1}`) {
		t.Fatal("AddItem rejected for writer")
	}
	waitSignal(t, store.stored, "first store")
	if !r.AddItem("writer", 1, "shape-1", `{"v":2}`) {
		t.Fatal("AddItem rejected for writer")
	}
	waitSignal(t, store.stored, "second store")

	items := r.Items()
	if items[1]["shape-1"] != `{"v":2}` {
		t.Fatalf("expected last write to win, got %q", items[1]["shape-1"])
	}
}

func TestRemoveLastItemDeletesPage(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	writer := &fakePeer{id: "writer"}
	r := reg.Join("42", "https://cloud.example.org", writer, Participant{
		Permissions: intPtr(auth.PermissionAll),
	})

	r.AddItem("writer", 3, "shape-1", "{}")
	waitSignal(t, store.stored, "store")
	if !r.RemoveItem("writer", 3, "shape-1") {
		t.Fatal("RemoveItem rejected")
	}
	waitSignal(t, store.deleted, "delete")

	if _, ok := r.Items()[3]; ok {
		t.Fatal("page entry kept after last item removed")
	}

	// Removing from an unknown page stays accepted so peers drop stale state.
	if !r.RemoveItem("writer", 9, "ghost") {
		t.Fatal("RemoveItem on unknown page rejected")
	}
}

func TestJoinReplay(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	writer := &fakePeer{id: "writer"}
	r := reg.Join("42", "https://cloud.example.org", writer, Participant{
		DisplayName: "Writer",
		Permissions: intPtr(auth.PermissionAll),
	})
	r.AddItem("writer", 1, "shape-1", `{"kind":"path"}`)
	waitSignal(t, store.stored, "store")
	r.SetCurrentPage("writer", 4)

	late := &fakePeer{id: "late"}
	reg.Join("42", "https://cloud.example.org", late, Participant{DisplayName: "Late"})

	roster := late.messagesOfType(TypeUserJoined)
	if len(roster) != 1 || len(roster[0].Users) != 2 {
		t.Fatalf("late joiner roster = %+v", roster)
	}
	items := late.messagesOfType(TypeItem)
	if len(items) != 1 || items[0].Item.Name != "shape-1" || items[0].Item.Data != `{"kind":"path"}` {
		t.Fatalf("late joiner items = %+v", items)
	}
	controls := late.messagesOfType(TypeControl)
	if len(controls) != 1 || controls[0].Control.Page != 4 {
		t.Fatalf("late joiner controls = %+v", controls)
	}

	joined := writer.messagesOfType(TypeUserJoined)
	// Writer saw its own roster plus the announcement of the late joiner.
	if len(joined) != 2 || len(joined[1].Users) != 1 || joined[1].Users[0].DisplayName != "Late" {
		t.Fatalf("writer join events = %+v", joined)
	}
}

func TestUserLeftNotification(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	a := &fakePeer{id: "a"}
	b := &fakePeer{id: "b"}
	r := reg.Join("42", "https://cloud.example.org", a, Participant{DisplayName: "A"})
	reg.Join("42", "https://cloud.example.org", b, Participant{DisplayName: "B"})

	r.RemoveParticipant("b")
	reg.Release("42")

	left := a.messagesOfType(TypeUserLeft)
	if len(left) != 1 || left[0].User == nil || left[0].User.DisplayName != "B" {
		t.Fatalf("user.left events = %+v", left)
	}
	if _, ok := reg.Get("42"); !ok {
		t.Fatal("room evicted while a participant remains")
	}
}

func TestRoundTripThroughStore(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	writer := &fakePeer{id: "writer"}
	r := reg.Join("42", "https://cloud.example.org", writer, Participant{
		Permissions: intPtr(auth.PermissionAll),
	})
	data := `{"kind":"path","d":"M 0 0 L 10 10"}`
	r.AddItem("writer", 2, "shape-7", data)
	waitSignal(t, store.stored, "store")

	r.RemoveParticipant("writer")
	reg.Release("42")
	if _, ok := reg.Get("42"); ok {
		t.Fatal("empty room not evicted")
	}

	// A fresh join rebuilds the room from the backend.
	fresh := reg.GetOrCreate("42", "https://cloud.example.org")
	fresh.LoadItems(context.Background())
	if got := fresh.Items()[2]["shape-7"]; got != data {
		t.Fatalf("reloaded item = %q, want %q", got, data)
	}
}

func TestLoadItemsFailureLeavesRoomEmpty(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("backend down")
	reg := testRegistry(store)

	r := reg.GetOrCreate("42", "https://cloud.example.org")
	r.LoadItems(context.Background())
	if len(r.Items()) != 0 {
		t.Fatalf("expected empty item map, got %v", r.Items())
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	reg := testRegistry(newFakeStore())

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate("42", "https://cloud.example.org")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("GetOrCreate returned distinct rooms (index %d)", i)
		}
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	store := newFakeStore()
	reg := testRegistry(store)

	a := &fakePeer{id: "a"}
	b := &fakePeer{id: "b"}
	r := reg.Join("42", "https://cloud.example.org", a, Participant{})
	reg.Join("42", "https://cloud.example.org", b, Participant{})

	before := len(a.messagesOfType(TypeCursor))
	r.Broadcast("a", Message{Type: TypeCursor, UserID: "a"})

	if got := len(b.messagesOfType(TypeCursor)); got != 1 {
		t.Fatalf("peer b cursor messages = %d, want 1", got)
	}
	if got := len(a.messagesOfType(TypeCursor)); got != before {
		t.Fatal("sender received its own broadcast")
	}
}
