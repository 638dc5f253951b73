package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/sentiment-ingest/internal/store"
)

// Store is an in-memory implementation of store.Store for development and
// testing. Uniqueness of author names, reference URLs, feed URLs and
// discussion references is enforced atomically under one mutex.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	authors     map[string]store.Author
	references  []store.Reference
	refByURL    map[string]int64
	feedByURL   map[string]store.FeedItem
	feedOrder   []string
	discussions []store.DiscussionItem
	consumed    map[int64]int64
	replies     []store.Reply
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.nextID = 0
	s.authors = make(map[string]store.Author)
	s.references = nil
	s.refByURL = make(map[string]int64)
	s.feedByURL = make(map[string]store.FeedItem)
	s.feedOrder = nil
	s.discussions = nil
	s.consumed = make(map[int64]int64)
	s.replies = nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// OpenSession returns a session bound to this store.
func (s *Store) OpenSession(_ context.Context) (store.Session, error) {
	return &session{store: s}, nil
}

// Reset discards every record.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Authors returns a snapshot of all authors.
func (s *Store) Authors() []store.Author {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Author, 0, len(s.authors))
	for _, a := range s.authors {
		out = append(out, a)
	}
	return out
}

// References returns a snapshot of all references in insertion order.
func (s *Store) References() []store.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Reference(nil), s.references...)
}

// FeedItems returns a snapshot of all feed items in insertion order.
func (s *Store) FeedItems() []store.FeedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.FeedItem, 0, len(s.feedOrder))
	for _, u := range s.feedOrder {
		out = append(out, s.feedByURL[u])
	}
	return out
}

// Discussions returns a snapshot of all committed discussions.
func (s *Store) Discussions() []store.DiscussionItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.DiscussionItem(nil), s.discussions...)
}

// Replies returns a snapshot of all committed replies.
func (s *Store) Replies() []store.Reply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Reply(nil), s.replies...)
}

type session struct {
	store *Store
}

func (ss *session) AuthorByName(_ context.Context, name string) (store.Author, error) {
	s := ss.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authors[name]
	if !ok {
		return store.Author{}, store.ErrNotFound
	}
	return a, nil
}

func (ss *session) CreateAuthor(_ context.Context, name string) (store.Author, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authors[name]; exists {
		return store.Author{}, store.ErrConflict
	}
	a := store.Author{ID: s.id(), Name: name}
	s.authors[name] = a
	return a, nil
}

func (ss *session) AddFeedItem(_ context.Context, item store.FeedItem) (store.FeedItem, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.feedByURL[item.URL]; exists {
		return store.FeedItem{}, store.ErrConflict
	}
	item.ID = s.id()
	s.feedByURL[item.URL] = item
	s.feedOrder = append(s.feedOrder, item.URL)
	return item, nil
}

func (ss *session) AddReferences(_ context.Context, urls []string) ([]store.Reference, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	created := make([]store.Reference, 0, len(urls))
	for _, u := range urls {
		if _, exists := s.refByURL[u]; exists {
			continue
		}
		ref := store.Reference{ID: s.id(), URL: u}
		s.refByURL[u] = ref.ID
		s.references = append(s.references, ref)
		created = append(created, ref)
	}
	return created, nil
}

func (ss *session) UnconsumedReferences(_ context.Context, urls []string) ([]store.Reference, error) {
	s := ss.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Reference
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		id, ok := s.refByURL[u]
		if !ok {
			continue
		}
		if _, consumed := s.consumed[id]; consumed {
			continue
		}
		out = append(out, store.Reference{ID: id, URL: u})
	}
	return out, nil
}

func (ss *session) Begin(_ context.Context) (store.Tx, error) {
	return &tx{store: ss.store}, nil
}

func (ss *session) Close(_ context.Context) error {
	return nil
}

var errTxDone = errors.New("transaction already finished")

// tx buffers writes and applies them on Commit. IDs are allocated eagerly so
// replies can point at their pending parent.
type tx struct {
	store       *Store
	discussions []store.DiscussionItem
	replies     []store.Reply
	done        bool
}

func (t *tx) AddDiscussion(_ context.Context, item store.DiscussionItem) (store.DiscussionItem, error) {
	if t.done {
		return store.DiscussionItem{}, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, consumed := s.consumed[item.ReferenceID]; consumed {
		return store.DiscussionItem{}, store.ErrConflict
	}
	for _, pending := range t.discussions {
		if pending.ReferenceID == item.ReferenceID {
			return store.DiscussionItem{}, store.ErrConflict
		}
	}
	item.ID = s.id()
	t.discussions = append(t.discussions, item)
	return item, nil
}

func (t *tx) AddReply(_ context.Context, reply store.Reply) (store.Reply, error) {
	if t.done {
		return store.Reply{}, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.hasParent(reply.DiscussionID) {
		return store.Reply{}, errors.New("reply parent discussion is not visible")
	}
	reply.ID = s.id()
	t.replies = append(t.replies, reply)
	return reply, nil
}

func (t *tx) hasParent(id int64) bool {
	for _, d := range t.discussions {
		if d.ID == id {
			return true
		}
	}
	for _, d := range t.store.discussions {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range t.discussions {
		if _, consumed := s.consumed[d.ReferenceID]; consumed {
			return store.ErrConflict
		}
	}
	for _, d := range t.discussions {
		s.consumed[d.ReferenceID] = d.ID
		s.discussions = append(s.discussions, d)
	}
	s.replies = append(s.replies, t.replies...)
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.done = true
	t.discussions = nil
	t.replies = nil
	return nil
}
