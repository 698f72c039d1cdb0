package room

import (
	"context"
	"log"
	"sync"
)

// StoreFactory builds the item store for a room given the backend base URL
// taken from the session token's issuer.
type StoreFactory func(baseURL string) ItemStore

// Registry maps document ids to live rooms. Rooms are created on the first
// join for a document and evicted once the last participant is gone.
type Registry struct {
	secret []byte
	stores StoreFactory
	relay  Publisher

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(secret []byte, stores StoreFactory, relay Publisher) *Registry {
	return &Registry{
		secret: secret,
		stores: stores,
		relay:  relay,
		rooms:  make(map[string]*Room),
	}
}

// GetOrCreate returns the room for a document, creating and initializing it
// when no participant had it open. Creation under concurrent first-joins
// yields exactly one room; the backend item load runs in the background.
func (reg *Registry) GetOrCreate(fileID, baseURL string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.getOrCreateLocked(fileID, baseURL)
}

func (reg *Registry) getOrCreateLocked(fileID, baseURL string) *Room {
	if r, ok := reg.rooms[fileID]; ok {
		return r
	}
	r := newRoom(fileID, baseURL, reg.secret, reg.stores(baseURL), reg.relay)
	reg.rooms[fileID] = r
	log.Printf("created room %s", fileID)
	go r.LoadItems(context.Background())
	return r
}

// Join resolves the room and registers the participant in one step, so that
// a concurrent Release cannot evict the room between resolution and join.
func (reg *Registry) Join(fileID, baseURL string, peer Peer, info Participant) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := reg.getOrCreateLocked(fileID, baseURL)
	r.AddParticipant(peer, info)
	return r
}

// Get returns the room for a document if one is open.
func (reg *Registry) Get(fileID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[fileID]
	return r, ok
}

// Release evicts the room when it has no participants left. Emptiness is
// re-checked under the registry lock so a join racing the teardown either
// finds the room still registered or creates a fresh one afterwards.
func (reg *Registry) Release(fileID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[fileID]
	if !ok {
		return
	}
	if r.Empty() {
		delete(reg.rooms, fileID)
		log.Printf("deleted empty room %s", fileID)
	}
}
