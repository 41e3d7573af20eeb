package matrix

import (
	"context"
	"fmt"
	"sync"

	"github.com/42wim/mxstate/bridge"
	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"
)

// Messages is a page of room history. Chunk is ordered in the direction of
// the request, End is the token to continue from and empty when exhausted.
type Messages struct {
	Chunk []*event.Event
	End   string
}

// EventContext is an event with its surroundings. Before is newest first.
type EventContext struct {
	Before []*event.Event
	Event  *event.Event
	After  []*event.Event
	Start  string
	End    string
}

type Backfiller interface {
	RoomMessages(ctx context.Context, roomID id.RoomID, from string, dir bridge.Direction, limit int) (*Messages, error)
	EventContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*EventContext, error)
}

type Decrypter interface {
	DecryptEvent(ctx context.Context, ev *event.Event) (*event.Event, error)
}

type Matrix struct {
	v          *viper.Viper
	userID     id.UserID
	rooms      map[id.RoomID]*Room
	direct     map[id.UserID][]id.RoomID
	pushRules  *pushrules.PushRuleset
	bus        *bridge.Bus
	backfiller Backfiller
	decrypter  Decrypter
	syncer     *Syncer
	eventCache *lru.Cache
	sync.RWMutex
}

var logger *logrus.Entry

func init() {
	logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "bridge/matrix")
}

func New(v *viper.Viper, userID id.UserID) *Matrix {
	m := &Matrix{
		v:      v,
		userID: userID,
		rooms:  make(map[id.RoomID]*Room),
		direct: make(map[id.UserID][]id.RoomID),
		bus:    bridge.NewBus(),
	}
	m.eventCache, _ = lru.New(1000)
	m.syncer = NewSyncer(m)

	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	return m
}

func (m *Matrix) SetBackfiller(b Backfiller) {
	m.Lock()
	m.backfiller = b
	m.Unlock()
}

func (m *Matrix) SetDecrypter(d Decrypter) {
	m.Lock()
	m.decrypter = d
	m.Unlock()
}

func (m *Matrix) Syncer() *Syncer {
	return m.syncer
}

func (m *Matrix) UserID() id.UserID {
	return m.userID
}

func (m *Matrix) GetRoom(roomID id.RoomID) bridge.Room {
	if r := m.room(roomID); r != nil {
		return r
	}

	return nil
}

func (m *Matrix) room(roomID id.RoomID) *Room {
	m.RLock()
	defer m.RUnlock()

	return m.rooms[roomID]
}

func (m *Matrix) GetRooms() []bridge.Room {
	m.RLock()
	defer m.RUnlock()

	res := make([]bridge.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		res = append(res, r)
	}

	return res
}

func (m *Matrix) DirectRooms() map[id.UserID][]id.RoomID {
	m.RLock()
	defer m.RUnlock()

	res := make(map[id.UserID][]id.RoomID, len(m.direct))
	for userID, rooms := range m.direct {
		res[userID] = append([]id.RoomID(nil), rooms...)
	}

	return res
}

func (m *Matrix) PushRules() *pushrules.PushRuleset {
	m.RLock()
	defer m.RUnlock()

	return m.pushRules
}

func (m *Matrix) Subscribe(h bridge.Handler, types ...string) *bridge.Subscription {
	return m.bus.Subscribe(h, types...)
}

func (m *Matrix) Unsubscribe(s *bridge.Subscription) bool {
	return m.bus.Unsubscribe(s)
}

// Bus is shared with the state components so that everything downstream
// of the client is observable from one place.
func (m *Matrix) Bus() *bridge.Bus {
	return m.bus
}

func cacheKey(roomID id.RoomID, eventID id.EventID) string {
	return string(roomID) + "/" + string(eventID)
}

func (m *Matrix) cacheEvent(ev *event.Event) {
	m.eventCache.Add(cacheKey(ev.RoomID, ev.ID), ev)
}

func (m *Matrix) FindEvent(roomID id.RoomID, eventID id.EventID) *event.Event {
	if v, ok := m.eventCache.Get(cacheKey(roomID, eventID)); ok {
		return v.(*event.Event) //nolint:forcetypeassert
	}

	r := m.room(roomID)
	if r == nil {
		return nil
	}

	r.RLock()
	defer r.RUnlock()

	seg, i := r.findEvent(eventID)
	if seg == nil {
		return nil
	}

	return seg.Events[i]
}

func (m *Matrix) Paginate(ctx context.Context, roomID id.RoomID, segID bridge.SegmentID, dir bridge.Direction, limit int) error {
	r := m.room(roomID)
	if r == nil {
		return fmt.Errorf("paginate %s: %w", roomID, bridge.ErrRoomNotFound)
	}

	m.RLock()
	backfiller := m.backfiller
	m.RUnlock()

	if backfiller == nil {
		return fmt.Errorf("paginate %s: no backfiller configured", roomID)
	}

	r.RLock()
	seg, ok := r.segments[segID]

	var token string
	if ok {
		token = seg.Token(dir)
	}
	r.RUnlock()

	if !ok {
		return fmt.Errorf("paginate %s: unknown segment %s", roomID, segID)
	}

	if token == "" {
		return nil
	}

	logger.Debugf("paginating %s %s from %s", roomID, dir, token)

	msgs, err := backfiller.RoomMessages(ctx, roomID, token, dir, limit)
	if err != nil {
		return fmt.Errorf("paginate %s: %w", roomID, err)
	}

	r.Lock()
	added := r.extend(seg, dir, msgs)
	r.Unlock()

	for _, ev := range added {
		m.cacheEvent(ev)
		m.bus.Publish(bridge.TypeTimeline, &bridge.TimelineEvent{RoomID: roomID, Event: ev, ToStart: dir == bridge.Backward})
	}

	return nil
}

// extend grows seg with a page of history. A page that runs into another
// segment links the two and stops there. Returns the new events in the
// order they were fetched.
func (r *Room) extend(seg *segment, dir bridge.Direction, msgs *Messages) []*event.Event {
	var (
		added  []*event.Event
		linked bool
	)

	if msgs == nil {
		msgs = &Messages{}
	}

	for _, ev := range msgs.Chunk {
		if ev == nil || ev.ID == "" {
			continue
		}

		ev.RoomID = r.id

		if other, _ := r.findEvent(ev.ID); other != nil {
			if other != seg {
				if dir == bridge.Backward {
					seg.prev, other.next = other.ID, seg.ID
				} else {
					seg.next, other.prev = other.ID, seg.ID
				}

				linked = true

				break
			}

			continue
		}

		added = append(added, ev)
	}

	if dir == bridge.Backward {
		page := make([]*event.Event, 0, len(added)+len(seg.Events))
		for i := len(added) - 1; i >= 0; i-- {
			page = append(page, added[i])
		}

		seg.Events = append(page, seg.Events...)
		seg.PrevToken = msgs.End

		if linked {
			seg.PrevToken = ""
		}
	} else {
		seg.Events = append(seg.Events, added...)
		seg.NextToken = msgs.End

		if linked {
			seg.NextToken = ""
		}
	}

	return added
}

func (m *Matrix) ResolveTimelineSegment(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bridge.SegmentID, error) {
	r := m.room(roomID)
	if r == nil {
		return "", fmt.Errorf("resolve %s: %w", eventID, bridge.ErrRoomNotFound)
	}

	r.RLock()
	seg, _ := r.findEvent(eventID)
	r.RUnlock()

	if seg != nil {
		return seg.ID, nil
	}

	m.RLock()
	backfiller := m.backfiller
	limit := m.v.GetInt("timeline.paginationlimit")
	m.RUnlock()

	if backfiller == nil {
		return "", fmt.Errorf("resolve %s: %w", eventID, bridge.ErrEventNotFound)
	}

	ectx, err := backfiller.EventContext(ctx, roomID, eventID, limit)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", eventID, err)
	}

	if ectx == nil || ectx.Event == nil {
		return "", fmt.Errorf("resolve %s: %w", eventID, bridge.ErrEventNotFound)
	}

	r.Lock()
	defer r.Unlock()

	// a sync may have delivered the event while we were fetching
	if existing, _ := r.findEvent(eventID); existing != nil {
		return existing.ID, nil
	}

	ns := r.newSegment()
	ns.PrevToken = ectx.Start
	ns.NextToken = ectx.End

	events := make([]*event.Event, 0, len(ectx.Before)+1+len(ectx.After))
	for i := len(ectx.Before) - 1; i >= 0; i-- {
		events = append(events, ectx.Before[i])
	}

	events = append(events, ectx.Event)
	events = append(events, ectx.After...)

	for _, ev := range events {
		if ev == nil || ev.ID == "" {
			continue
		}

		if other, _ := r.findEvent(ev.ID); other != nil {
			continue
		}

		ev.RoomID = roomID
		ns.Events = append(ns.Events, ev)
		m.cacheEvent(ev)
	}

	logger.Debugf("resolved %s into new segment %s with %d events", eventID, ns.ID, len(ns.Events))

	return ns.ID, nil
}

// Decrypt replaces every encrypted event it can decrypt and publishes a
// decrypted notification for each one. Events that fail stay encrypted,
// their errors are returned together.
func (m *Matrix) Decrypt(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	m.RLock()
	decrypter := m.decrypter
	m.RUnlock()

	if decrypter == nil {
		return nil
	}

	r := m.room(roomID)
	if r == nil {
		return fmt.Errorf("decrypt %s: %w", roomID, bridge.ErrRoomNotFound)
	}

	var result error

	for _, ev := range events {
		if !bridge.IsType(ev, event.EventEncrypted) {
			continue
		}

		dec, err := decrypter.DecryptEvent(ctx, ev)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("decrypt %s: %w", ev.ID, err))
			continue
		}

		dec.RoomID = roomID
		if dec.ID == "" {
			dec.ID = ev.ID
		}

		r.Lock()
		r.replaceEvent(dec)
		r.Unlock()

		m.cacheEvent(dec)
		logger.Tracef("decrypted %s", spew.Sdump(dec))

		m.bus.Publish(bridge.TypeDecrypted, &bridge.DecryptedEvent{RoomID: roomID, Event: dec})
	}

	return result
}
