package streamclient

// seenSet remembers the most recent capacity keys, evicting the oldest first.
type seenSet struct {
	capacity int
	keys     map[string]struct{}
	order    []string
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (s *seenSet) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *seenSet) Add(key string) {
	if s.Has(key) {
		return
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
}

func (s *seenSet) Len() int {
	return len(s.order)
}
