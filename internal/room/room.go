// Package room holds the live collaboration state of open documents. A room
// exists while at least one participant is connected; its item map is loaded
// from the backend on creation and kept authoritative in memory afterwards.
package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strukturag/pdfdraw/internal/auth"
	"github.com/strukturag/pdfdraw/internal/backend"
)

const persistTimeout = 30 * time.Second

// Peer is the capability a room needs from a connected participant. The
// websocket layer implements it; tests use in-memory fakes.
type Peer interface {
	ID() string
	Send(msg Message)
}

// ItemStore persists annotation items. *backend.Client implements it.
type ItemStore interface {
	ListItems(ctx context.Context, fileID string) ([]backend.Item, error)
	StoreItem(ctx context.Context, fileID string, page int, name, data string) error
	DeleteItem(ctx context.Context, fileID string, page int, name string) error
}

// Publisher fans accepted broadcasts out to other server instances.
type Publisher interface {
	Publish(roomID string, msg Message)
}

type member struct {
	info Participant
	peer Peer
}

// Room is the authoritative state of one open document.
type Room struct {
	ID      string
	BaseURL string

	secret []byte
	store  ItemStore
	relay  Publisher

	mu          sync.Mutex
	members     map[string]member
	items       map[int]map[string]string
	currentPage *int
}

func newRoom(id, baseURL string, secret []byte, store ItemStore, relay Publisher) *Room {
	return &Room{
		ID:      id,
		BaseURL: baseURL,
		secret:  secret,
		store:   store,
		relay:   relay,
		members: make(map[string]member),
		items:   make(map[int]map[string]string),
	}
}

// ServiceToken issues a short-lived token for backend calls on behalf of
// this room's document.
func (r *Room) ServiceToken() (string, error) {
	return auth.IssueBackend(r.secret, r.ID)
}

// LoadItems fetches the persisted items of the document. Failures leave the
// room in memory-only mode; clients may re-send their items.
func (r *Room) LoadItems(ctx context.Context) {
	items, err := r.store.ListItems(ctx, r.ID)
	if err != nil {
		log.Printf("room %s: loading items failed: %v", r.ID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		r.setItemLocked(item.Page, item.Name, item.Data)
	}
	// Anyone who joined while the load was in flight gets the replay now.
	for _, m := range r.members {
		r.sendItemsLocked(m.peer)
	}
}

// AddParticipant registers a new connection: the roster goes to the
// newcomer, the newcomer to everyone else, followed by an item replay and
// the shared page pointer.
func (r *Room) AddParticipant(peer Peer, info Participant) {
	info.UserID = peer.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(peer.ID(), Message{Type: TypeUserJoined, Users: []Participant{info}})
	r.members[peer.ID()] = member{info: info, peer: peer}

	roster := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		roster = append(roster, m.info)
	}
	peer.Send(Message{Type: TypeUserJoined, Users: roster})

	r.sendItemsLocked(peer)
	if r.currentPage != nil {
		peer.Send(Message{Type: TypeControl, Control: &ControlPayload{Type: "page", Page: *r.currentPage}})
	}
}

// RemoveParticipant deregisters a connection and notifies the rest of the
// room. The caller is expected to release the room via the registry next.
func (r *Room) RemoveParticipant(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return
	}
	delete(r.members, id)
	r.broadcastLocked(id, Message{Type: TypeUserLeft, User: &m.info})
}

// AddItem applies an item edit. It reports false without touching any state
// when the participant lacks update permission; otherwise the in-memory map
// is updated and persistence happens in the background.
func (r *Room) AddItem(userID string, page int, name, data string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mayModifyLocked(userID) {
		return false
	}
	r.setItemLocked(page, name, data)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.StoreItem(ctx, r.ID, page, name, data); err != nil {
			log.Printf("room %s: storing item %q failed: %v", r.ID, name, err)
		}
	}()
	return true
}

// RemoveItem removes an item. Removing on an unknown page is a no-op that
// still counts as accepted so peers drop any stale copy.
func (r *Room) RemoveItem(userID string, page int, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mayModifyLocked(userID) {
		return false
	}
	pageItems, ok := r.items[page]
	if !ok {
		return true
	}
	delete(pageItems, name)
	if len(pageItems) == 0 {
		delete(r.items, page)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.DeleteItem(ctx, r.ID, page, name); err != nil {
			log.Printf("room %s: deleting item %q failed: %v", r.ID, name, err)
		}
	}()
	return true
}

// SetCurrentPage moves the shared page pointer replayed to late joiners.
func (r *Room) SetCurrentPage(userID string, page int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mayModifyLocked(userID) {
		return false
	}
	r.currentPage = &page
	return true
}

// Broadcast sends a message to every participant except the sender and
// forwards it to other instances through the relay if one is configured.
func (r *Room) Broadcast(senderID string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(senderID, msg)
}

// DeliverRemote hands a message received from another instance to all local
// participants. It is never published back to the relay.
func (r *Room) DeliverRemote(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		m.peer.Send(msg)
	}
}

// Empty reports whether no participants are connected.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Items returns a copy of the current item map.
func (r *Room) Items() map[int]map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int]map[string]string, len(r.items))
	for page, items := range r.items {
		pageCopy := make(map[string]string, len(items))
		for name, data := range items {
			pageCopy[name] = data
		}
		snapshot[page] = pageCopy
	}
	return snapshot
}

func (r *Room) setItemLocked(page int, name, data string) {
	pageItems, ok := r.items[page]
	if !ok {
		pageItems = make(map[string]string)
		r.items[page] = pageItems
	}
	pageItems[name] = data
}

func (r *Room) sendItemsLocked(peer Peer) {
	for page, items := range r.items {
		for name, data := range items {
			peer.Send(Message{Type: TypeItem, Item: &ItemPayload{Page: page, Name: name, Data: data}})
		}
	}
}

func (r *Room) broadcastLocked(senderID string, msg Message) {
	for id, m := range r.members {
		if id == senderID {
			continue
		}
		m.peer.Send(msg)
	}
	if r.relay != nil {
		r.relay.Publish(r.ID, msg)
	}
}

func (r *Room) mayModifyLocked(userID string) bool {
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	// Old-style tokens carry no permissions claim and stay read-only.
	if m.info.Permissions == nil {
		return false
	}
	return *m.info.Permissions&auth.PermissionUpdate == auth.PermissionUpdate
}
