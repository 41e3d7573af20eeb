package matrix

import (
	"fmt"
	"sync"

	"github.com/42wim/mxstate/bridge"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type segment struct {
	bridge.Segment
	prev bridge.SegmentID
	next bridge.SegmentID
}

// Room is the locally known state of one room. All mutations go through
// the Matrix client, which holds the room lock while applying them.
type Room struct {
	id         id.RoomID
	membership event.Membership
	state      map[string]map[string]*event.Event
	segments   map[bridge.SegmentID]*segment
	live       bridge.SegmentID
	segSeq     int
	receipts   map[id.UserID]id.EventID
	unread     [2]int
	typing     map[id.UserID]struct{}
	sync.RWMutex
}

func newRoom(roomID id.RoomID) *Room {
	r := &Room{
		id:       roomID,
		state:    make(map[string]map[string]*event.Event),
		segments: make(map[bridge.SegmentID]*segment),
		receipts: make(map[id.UserID]id.EventID),
		typing:   make(map[id.UserID]struct{}),
	}
	r.live = r.newSegment().ID

	return r
}

func (r *Room) ID() id.RoomID {
	return r.id
}

func (r *Room) Membership() event.Membership {
	r.RLock()
	defer r.RUnlock()

	return r.membership
}

func (r *Room) IsSpace() bool {
	create := r.StateEvent(event.StateCreate, "")
	if create == nil {
		return false
	}

	t, _ := create.Content.Raw["type"].(string)

	return t == "m.space"
}

func (r *Room) IsEncrypted() bool {
	return r.StateEvent(event.StateEncryption, "") != nil
}

func (r *Room) StateEvents(evType event.Type) []*event.Event {
	r.RLock()
	defer r.RUnlock()

	keyed := r.state[evType.Type]
	res := make([]*event.Event, 0, len(keyed))

	for _, ev := range keyed {
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
	r.RLock()
	defer r.RUnlock()

	return r.live
}

func (r *Room) Segment(segID bridge.SegmentID) (bridge.Segment, bool) {
	r.RLock()
	defer r.RUnlock()

	seg, ok := r.segments[segID]
	if !ok {
		return bridge.Segment{}, false
	}

	cp := seg.Segment
	cp.Events = append([]*event.Event(nil), seg.Events...)

	return cp, true
}

func (r *Room) LinkedSegments(segID bridge.SegmentID) []bridge.SegmentID {
	r.RLock()
	defer r.RUnlock()

	seg, ok := r.segments[segID]
	if !ok {
		return nil
	}

	visited := map[bridge.SegmentID]bool{segID: true}

	var older []bridge.SegmentID

	for p := seg.prev; p != "" && !visited[p]; p = r.segments[p].prev {
		visited[p] = true
		older = append(older, p)
	}

	res := make([]bridge.SegmentID, 0, len(older)+1)
	for i := len(older) - 1; i >= 0; i-- {
		res = append(res, older[i])
	}

	res = append(res, segID)

	for n := seg.next; n != "" && !visited[n]; n = r.segments[n].next {
		visited[n] = true
		res = append(res, n)
	}

	return res
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

	return r.unread[kind]
}

// the helpers below expect the room lock to be held

func (r *Room) newSegment() *segment {
	r.segSeq++
	seg := &segment{Segment: bridge.Segment{ID: bridge.SegmentID(fmt.Sprintf("%s#%d", r.id, r.segSeq))}}
	r.segments[seg.ID] = seg

	return seg
}

func (r *Room) setState(ev *event.Event) {
	if ev.StateKey == nil {
		return
	}

	keyed, ok := r.state[ev.Type.Type]
	if !ok {
		keyed = make(map[string]*event.Event)
		r.state[ev.Type.Type] = keyed
	}

	keyed[*ev.StateKey] = ev
}

func (r *Room) findEvent(eventID id.EventID) (*segment, int) {
	for _, seg := range r.segments {
		for i, ev := range seg.Events {
			if ev.ID == eventID {
				return seg, i
			}
		}
	}

	return nil, -1
}

// startLiveSegment begins a new live segment after a gap. The old live
// segment is kept for history but no longer linked forward.
func (r *Room) startLiveSegment(prevToken string) {
	seg := r.newSegment()
	seg.PrevToken = prevToken
	r.live = seg.ID
}

func (r *Room) appendLive(ev *event.Event) bool {
	if seg, _ := r.findEvent(ev.ID); seg != nil {
		return false
	}

	live := r.segments[r.live]
	live.Events = append(live.Events, ev)

	return true
}

func (r *Room) redact(redaction *event.Event, target id.EventID) *event.Event {
	seg, i := r.findEvent(target)
	if seg == nil {
		return nil
	}

	ev := seg.Events[i]
	ev.Unsigned.RedactedBecause = redaction

	return ev
}

func (r *Room) replaceEvent(ev *event.Event) bool {
	seg, i := r.findEvent(ev.ID)
	if seg == nil {
		return false
	}

	seg.Events[i] = ev

	return true
}

func (r *Room) setTyping(userID id.UserID, typing bool) bool {
	_, ok := r.typing[userID]
	if ok == typing {
		return false
	}

	if typing {
		r.typing[userID] = struct{}{}
	} else {
		delete(r.typing, userID)
	}

	return true
}
