// Package bridgetest provides in-memory bridge.Client and bridge.Room
// implementations for tests.
package bridgetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/42wim/mxstate/bridge"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"
)

const LiveSegment bridge.SegmentID = "live"

type Room struct {
	id         id.RoomID
	space      bool
	encrypted  bool
	membership event.Membership
	state      map[string]map[string]*event.Event
	segments   map[bridge.SegmentID]*bridge.Segment
	chain      []bridge.SegmentID
	receipts   map[id.UserID]id.EventID
	counts     [2]int
	sync.RWMutex
}

func NewRoom(roomID id.RoomID) *Room {
	return &Room{
		id:         roomID,
		membership: event.MembershipJoin,
		state:      make(map[string]map[string]*event.Event),
		segments:   map[bridge.SegmentID]*bridge.Segment{LiveSegment: {ID: LiveSegment}},
		chain:      []bridge.SegmentID{LiveSegment},
		receipts:   make(map[id.UserID]id.EventID),
	}
}

func (r *Room) SetSpace(space bool) *Room {
	r.Lock()
	defer r.Unlock()

	r.space = space

	return r
}

func (r *Room) SetEncrypted(encrypted bool) *Room {
	r.Lock()
	defer r.Unlock()

	r.encrypted = encrypted

	return r
}

func (r *Room) SetMembership(m event.Membership) *Room {
	r.Lock()
	defer r.Unlock()

	r.membership = m

	return r
}

func (r *Room) SetState(ev *event.Event) *Room {
	r.Lock()
	defer r.Unlock()

	keyed, ok := r.state[ev.Type.Type]
	if !ok {
		keyed = make(map[string]*event.Event)
		r.state[ev.Type.Type] = keyed
	}

	keyed[*ev.StateKey] = ev

	return r
}

// AddLive appends events to the live segment.
func (r *Room) AddLive(evs ...*event.Event) *Room {
	r.Lock()
	defer r.Unlock()

	live := r.segments[LiveSegment]
	for _, ev := range evs {
		ev.RoomID = r.id
		live.Events = append(live.Events, ev)
	}

	return r
}

// Prepend adds older events in front of a segment, oldest first.
func (r *Room) Prepend(segID bridge.SegmentID, evs ...*event.Event) {
	r.Lock()
	defer r.Unlock()

	seg := r.segments[segID]
	for _, ev := range evs {
		ev.RoomID = r.id
	}

	seg.Events = append(append([]*event.Event(nil), evs...), seg.Events...)
}

func (r *Room) SetToken(segID bridge.SegmentID, dir bridge.Direction, token string) {
	r.Lock()
	defer r.Unlock()

	if dir == bridge.Backward {
		r.segments[segID].PrevToken = token
	} else {
		r.segments[segID].NextToken = token
	}
}

// AddSegment registers a segment. Linked segments are put in front of the
// live chain, others stay detached.
func (r *Room) AddSegment(seg bridge.Segment, linked bool) {
	r.Lock()
	defer r.Unlock()

	for _, ev := range seg.Events {
		ev.RoomID = r.id
	}

	cp := seg
	r.segments[seg.ID] = &cp

	if linked {
		r.chain = append([]bridge.SegmentID{seg.ID}, r.chain...)
	}
}

// Link puts a detached segment in front of the live chain.
func (r *Room) Link(segID bridge.SegmentID) {
	r.Lock()
	defer r.Unlock()

	for _, c := range r.chain {
		if c == segID {
			return
		}
	}

	r.chain = append([]bridge.SegmentID{segID}, r.chain...)
}

func (r *Room) SetReceipt(userID id.UserID, eventID id.EventID) {
	r.Lock()
	defer r.Unlock()

	r.receipts[userID] = eventID
}

func (r *Room) SetCounts(total, highlight int) {
	r.Lock()
	defer r.Unlock()

	r.counts = [2]int{total, highlight}
}

func (r *Room) Redact(eventID id.EventID, redaction *event.Event) {
	r.Lock()
	defer r.Unlock()

	for _, seg := range r.segments {
		for _, ev := range seg.Events {
			if ev.ID == eventID {
				ev.Unsigned.RedactedBecause = redaction
			}
		}
	}
}

func (r *Room) Replace(ev *event.Event) {
	r.Lock()
	defer r.Unlock()

	ev.RoomID = r.id

	for _, seg := range r.segments {
		for i, old := range seg.Events {
			if old.ID == ev.ID {
				seg.Events[i] = ev
			}
		}
	}
}

func (r *Room) ID() id.RoomID {
	return r.id
}

func (r *Room) IsSpace() bool {
	r.RLock()
	defer r.RUnlock()

	return r.space
}

func (r *Room) IsEncrypted() bool {
	r.RLock()
	defer r.RUnlock()

	return r.encrypted
}

func (r *Room) Membership() event.Membership {
	r.RLock()
	defer r.RUnlock()

	return r.membership
}

func (r *Room) StateEvents(evType event.Type) []*event.Event {
	r.RLock()
	defer r.RUnlock()

	var res []*event.Event
	for _, ev := range r.state[evType.Type] {
		res = append(res, ev)
	}

	return res
}

func (r *Room) StateEvent(evType event.Type, stateKey string) *event.Event {
	r.RLock()
	defer r.RUnlock()

	return r.state[evType.Type][stateKey]
}

func (r *Room) LiveSegment() bridge.SegmentID {
	return LiveSegment
}

func (r *Room) Segment(segID bridge.SegmentID) (bridge.Segment, bool) {
	r.RLock()
	defer r.RUnlock()

	seg, ok := r.segments[segID]
	if !ok {
		return bridge.Segment{}, false
	}

	cp := *seg
	cp.Events = append([]*event.Event(nil), seg.Events...)

	return cp, true
}

func (r *Room) LinkedSegments(segID bridge.SegmentID) []bridge.SegmentID {
	r.RLock()
	defer r.RUnlock()

	if _, ok := r.segments[segID]; !ok {
		return nil
	}

	for _, c := range r.chain {
		if c == segID {
			return append([]bridge.SegmentID(nil), r.chain...)
		}
	}

	return []bridge.SegmentID{segID}
}

func (r *Room) ReadUpTo(userID id.UserID) id.EventID {
	r.RLock()
	defer r.RUnlock()

	return r.receipts[userID]
}

func (r *Room) ReadReceipts() map[id.UserID]id.EventID {
	r.RLock()
	defer r.RUnlock()

	res := make(map[id.UserID]id.EventID, len(r.receipts))
	for k, v := range r.receipts {
		res[k] = v
	}

	return res
}

func (r *Room) UnreadCount(kind bridge.CountKind) int {
	r.RLock()
	defer r.RUnlock()

	return r.counts[kind]
}

// Client is a bridge.Client over fake rooms. Blocking operations call the
// optional hooks and count their invocations.
type Client struct {
	*bridge.Bus

	userID id.UserID
	rooms  map[id.RoomID]*Room
	direct map[id.UserID][]id.RoomID
	rules  *pushrules.PushRuleset

	PaginateFunc func(ctx context.Context, roomID id.RoomID, segID bridge.SegmentID, dir bridge.Direction, limit int) error
	ResolveFunc  func(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bridge.SegmentID, error)
	DecryptFunc  func(ctx context.Context, roomID id.RoomID, events []*event.Event) error

	PaginateCalls atomic.Int32
	ResolveCalls  atomic.Int32
	DecryptCalls  atomic.Int32

	sync.RWMutex
}

func NewClient(userID id.UserID) *Client {
	return &Client{
		Bus:    bridge.NewBus(),
		userID: userID,
		rooms:  make(map[id.RoomID]*Room),
		direct: make(map[id.UserID][]id.RoomID),
	}
}

func (c *Client) AddRoom(r *Room) *Room {
	c.Lock()
	defer c.Unlock()

	c.rooms[r.id] = r

	return r
}

func (c *Client) SetDirect(direct map[id.UserID][]id.RoomID) {
	c.Lock()
	defer c.Unlock()

	c.direct = direct
}

func (c *Client) SetPushRules(rules *pushrules.PushRuleset) {
	c.Lock()
	defer c.Unlock()

	c.rules = rules
}

func (c *Client) UserID() id.UserID {
	return c.userID
}

func (c *Client) GetRoom(roomID id.RoomID) bridge.Room {
	c.RLock()
	defer c.RUnlock()

	if r, ok := c.rooms[roomID]; ok {
		return r
	}

	return nil
}

func (c *Client) Room(roomID id.RoomID) *Room {
	c.RLock()
	defer c.RUnlock()

	return c.rooms[roomID]
}

func (c *Client) GetRooms() []bridge.Room {
	c.RLock()
	defer c.RUnlock()

	res := make([]bridge.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		res = append(res, r)
	}

	return res
}

func (c *Client) DirectRooms() map[id.UserID][]id.RoomID {
	c.RLock()
	defer c.RUnlock()

	return c.direct
}

func (c *Client) PushRules() *pushrules.PushRuleset {
	c.RLock()
	defer c.RUnlock()

	return c.rules
}

func (c *Client) FindEvent(roomID id.RoomID, eventID id.EventID) *event.Event {
	r := c.Room(roomID)
	if r == nil {
		return nil
	}

	r.RLock()
	defer r.RUnlock()

	for _, seg := range r.segments {
		for _, ev := range seg.Events {
			if ev.ID == eventID {
				return ev
			}
		}
	}

	return nil
}

func (c *Client) Paginate(ctx context.Context, roomID id.RoomID, segID bridge.SegmentID, dir bridge.Direction, limit int) error {
	c.PaginateCalls.Add(1)

	if c.PaginateFunc == nil {
		return nil
	}

	return c.PaginateFunc(ctx, roomID, segID, dir, limit)
}

func (c *Client) ResolveTimelineSegment(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bridge.SegmentID, error) {
	c.ResolveCalls.Add(1)

	if c.ResolveFunc != nil {
		return c.ResolveFunc(ctx, roomID, eventID)
	}

	r := c.Room(roomID)
	if r == nil {
		return "", bridge.ErrRoomNotFound
	}

	r.RLock()
	defer r.RUnlock()

	for segID, seg := range r.segments {
		for _, ev := range seg.Events {
			if ev.ID == eventID {
				return segID, nil
			}
		}
	}

	return "", bridge.ErrEventNotFound
}

func (c *Client) Decrypt(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	c.DecryptCalls.Add(1)

	if c.DecryptFunc == nil {
		return nil
	}

	return c.DecryptFunc(ctx, roomID, events)
}

func NewEvent(evType event.Type, eventID id.EventID, sender id.UserID, content map[string]interface{}) *event.Event {
	if content == nil {
		content = map[string]interface{}{}
	}

	return &event.Event{
		ID:      eventID,
		Type:    evType,
		Sender:  sender,
		Content: event.Content{Raw: content},
	}
}

func NewStateEvent(evType event.Type, stateKey string, sender id.UserID, content map[string]interface{}) *event.Event {
	ev := NewEvent(evType, id.EventID("$state-"+evType.Type+"-"+stateKey), sender, content)
	ev.StateKey = &stateKey

	return ev
}
