package api

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultStoreCapacity is how many results a store keeps before evicting
// the oldest.
const DefaultStoreCapacity = 256

// ResultStore keeps recent attention results for retrieval by id.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	results  map[uuid.UUID]*AttentionResponse
	order    []uuid.UUID
}

func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &ResultStore{
		capacity: capacity,
		results:  make(map[uuid.UUID]*AttentionResponse),
	}
}

func (s *ResultStore) Save(resp *AttentionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *ResultStore) Get(id uuid.UUID) (*AttentionResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *ResultStore) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
