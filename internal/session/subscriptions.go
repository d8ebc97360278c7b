package session

import "k8s.io/apimachinery/pkg/util/sets"

// subscriptionSet keeps topic filters in first-subscribed order, unique by
// exact string.
type subscriptionSet struct {
	index sets.Set[string]
	order []string
}

func newSubscriptionSet(filters ...string) *subscriptionSet {
	s := &subscriptionSet{index: sets.New[string]()}
	for _, f := range filters {
		s.Add(f)
	}
	return s
}

// Add reports whether filter was not already present.
func (s *subscriptionSet) Add(filter string) bool {
	if s.index.Has(filter) {
		return false
	}
	s.index.Insert(filter)
	s.order = append(s.order, filter)
	return true
}

func (s *subscriptionSet) Remove(filter string) bool {
	if !s.index.Has(filter) {
		return false
	}
	s.index.Delete(filter)
	for i, f := range s.order {
		if f == filter {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *subscriptionSet) Has(filter string) bool { return s.index.Has(filter) }
func (s *subscriptionSet) Len() int { return len(s.order) }

// List returns a copy in subscription order.
func (s *subscriptionSet) List() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
