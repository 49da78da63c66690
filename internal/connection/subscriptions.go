package connection

import "sort"

// subscriptions is the desired channel set. It is the source of truth for
// what the hub should be pushing; the socket's server-side state is rebuilt
// from it on every open. announced holds what the current socket has been
// told. Not safe for concurrent use: Manager.mu guards it.
type subscriptions struct {
	channels  map[string]struct{}
	announced map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		channels:  make(map[string]struct{}),
		announced: make(map[string]struct{}),
	}
}

// add returns true if channel was newly added.
func (s *subscriptions) add(channel string) bool {
	if _, ok := s.channels[channel]; ok {
		return false
	}
	s.channels[channel] = struct{}{}
	return true
}

// remove returns true if channel was tracked.
func (s *subscriptions) remove(channel string) bool {
	if _, ok := s.channels[channel]; !ok {
		return false
	}
	delete(s.channels, channel)
	return true
}

func (s *subscriptions) has(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *subscriptions) len() int {
	return len(s.channels)
}

func (s *subscriptions) clear() {
	clear(s.channels)
}

// pending returns the commands that bring the socket in line with the
// desired set, and marks them announced. Both slices are sorted.
func (s *subscriptions) pending() (subscribe, unsubscribe []string) {
	for ch := range s.channels {
		if _, ok := s.announced[ch]; !ok {
			s.announced[ch] = struct{}{}
			subscribe = append(subscribe, ch)
		}
	}
	for ch := range s.announced {
		if !s.has(ch) {
			delete(s.announced, ch)
			unsubscribe = append(unsubscribe, ch)
		}
	}
	sort.Strings(subscribe)
	sort.Strings(unsubscribe)
	return subscribe, unsubscribe
}

// forget drops the announced set; the next socket starts from nothing.
func (s *subscriptions) forget() {
	clear(s.announced)
}

// list returns the channels sorted, so replay order is stable in logs and tests.
func (s *subscriptions) list() []string {
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
