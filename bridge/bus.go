package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
)

type Handler func(*Event)

type Subscription struct {
	handler Handler
	types   map[string]struct{}
	removed atomic.Bool
}

func (s *Subscription) wants(evType string) bool {
	if len(s.types) == 0 {
		return true
	}

	_, ok := s.types[evType]

	return ok
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. Handlers may subscribe, unsubscribe and publish
// from inside a delivery.
type Bus struct {
	sync.RWMutex
	subs []*Subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given event types, or for everything when
// no types are given.
func (b *Bus) Subscribe(h Handler, types ...string) *Subscription {
	s := &Subscription{handler: h}

	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.Lock()
	b.subs = append(b.subs, s)
	b.Unlock()

	return s
}

func (b *Bus) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}

	b.Lock()
	defer b.Unlock()

	for i, sub := range b.subs {
		if sub == s {
			s.removed.Store(true)
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)

			return true
		}
	}

	return false
}

func (b *Bus) Publish(evType string, data interface{}) {
	b.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.RUnlock()

	ev := &Event{Type: evType, Data: data}

	for _, s := range subs {
		if s.removed.Load() || !s.wants(evType) {
			continue
		}

		s.handler(ev)
	}
}

func (b *Bus) Len() int {
	b.RLock()
	defer b.RUnlock()

	return len(b.subs)
}

// Decode converts a loosely typed content map into output using the json
// field names.
func Decode(input interface{}, output interface{}) error {
	config := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           output,
		TagName:          "json",
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
