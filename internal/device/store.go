package device

// Store is the persistence abstraction for attached consumers.
// The Repository uses Store for all reads and writes and provides locking;
// Store implementations need not be concurrency safe.
type Store interface {
	GetConsumer(id ConsumerID) (*Consumer, bool)
	SetConsumer(c *Consumer)
	DeleteConsumer(id ConsumerID)
	ListConsumerIDs() []ConsumerID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	consumers map[ConsumerID]*Consumer
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		consumers: make(map[ConsumerID]*Consumer),
	}
}

// GetConsumer implements Store.GetConsumer.
func (s *InMemoryStore) GetConsumer(id ConsumerID) (*Consumer, bool) {
	c, ok := s.consumers[id]
	return c, ok
}

// SetConsumer implements Store.SetConsumer.
func (s *InMemoryStore) SetConsumer(c *Consumer) {
	s.consumers[c.ID] = c
}

// DeleteConsumer implements Store.DeleteConsumer.
func (s *InMemoryStore) DeleteConsumer(id ConsumerID) {
	delete(s.consumers, id)
}

// ListConsumerIDs implements Store.ListConsumerIDs.
func (s *InMemoryStore) ListConsumerIDs() []ConsumerID {
	ids := make([]ConsumerID, 0, len(s.consumers))
	for id := range s.consumers {
		ids = append(ids, id)
	}
	return ids
}
