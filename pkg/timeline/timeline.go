package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/42wim/mxstate/bridge"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrDetached = errors.New("timeline detached")

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePaginating
	StateDetached
)

func (s State) String() string {
	return [...]string{"idle", "loading", "ready", "paginating", "detached"}[s]
}

type Options struct {
	// HideMembership hides joins, leaves, invites and bans.
	HideMembership bool
	// HideNickAvatar hides membership events that only change a display
	// name or avatar.
	HideNickAvatar bool
}

// Engine materializes the timeline of one room: an ordered list of
// renderable events with edits and reactions folded into side maps.
type Engine struct {
	client bridge.Client
	bus    *bridge.Bus
	sub    *bridge.Subscription
	roomID id.RoomID
	opts   Options

	state    State
	anchor   id.EventID
	segments []bridge.SegmentID

	timeline  []*event.Event
	seen      map[id.EventID]struct{}
	edits     map[id.EventID][]*event.Event
	reactions map[id.EventID][]*event.Event

	// live encrypted events waiting for their decryption
	pending   map[id.EventID]struct{}
	typing    map[id.UserID]struct{}
	exhausted [2]bool

	sync.RWMutex
}

func New(client bridge.Client, roomID id.RoomID, opts Options) (*Engine, error) {
	if client.GetRoom(roomID) == nil {
		return nil, fmt.Errorf("timeline %s: %w", roomID, bridge.ErrRoomNotFound)
	}

	return &Engine{
		client:    client,
		bus:       bridge.NewBus(),
		roomID:    roomID,
		opts:      opts,
		seen:      make(map[id.EventID]struct{}),
		edits:     make(map[id.EventID][]*event.Event),
		reactions: make(map[id.EventID][]*event.Event),
		pending:   make(map[id.EventID]struct{}),
		typing:    make(map[id.UserID]struct{}),
	}, nil
}

func (e *Engine) RoomID() id.RoomID {
	return e.roomID
}

// Subscribe registers h for the engine's notifications: event,
// event_redacted, paginated, ready, typing_changed and live_receipt.
func (e *Engine) Subscribe(h bridge.Handler, types ...string) *bridge.Subscription {
	return e.bus.Subscribe(h, types...)
}

func (e *Engine) Unsubscribe(s *bridge.Subscription) bool {
	return e.bus.Unsubscribe(s)
}

// SetOptions changes the membership visibility toggles. A ready timeline
// is rebuilt right away and announced with a new ready notification.
func (e *Engine) SetOptions(opts Options) error {
	e.Lock()

	if e.state == StateDetached {
		e.Unlock()
		return ErrDetached
	}

	e.opts = opts

	room := e.client.GetRoom(e.roomID)
	if e.state != StateReady || room == nil {
		e.Unlock()
		return nil
	}

	e.materialize(room, e.segments)
	anchor := e.anchor
	e.Unlock()

	e.bus.Publish(bridge.TypeReady, &bridge.ReadyEvent{RoomID: e.roomID, AnchorEventID: anchor})

	return nil
}

// Detach stops following the room for good. Results of a pagination still
// in flight are discarded.
func (e *Engine) Detach() {
	e.Lock()
	defer e.Unlock()

	e.detach()
}

func (e *Engine) detach() {
	if e.state == StateDetached {
		return
	}

	e.state = StateDetached
	heldEncrypted.Sub(float64(len(e.pending)))

	if e.sub != nil {
		e.client.Unsubscribe(e.sub)
		e.sub = nil
	}

	logger.Debugf("detached timeline of %s", e.roomID)
}

// begin moves the engine into Loading. It returns the room and false when
// the engine can not load.
func (e *Engine) begin(anchor id.EventID) (bridge.Room, bool) {
	e.Lock()
	defer e.Unlock()

	if e.state == StateDetached || e.state == StatePaginating {
		return nil, false
	}

	room := e.client.GetRoom(e.roomID)
	if room == nil {
		return nil, false
	}

	if e.sub == nil {
		e.sub = e.client.Subscribe(e.handle,
			bridge.TypeTimeline, bridge.TypeRedaction, bridge.TypeDecrypted,
			bridge.TypeTyping, bridge.TypeReceipt, bridge.TypeMembership)
	}

	e.state = StateLoading
	e.anchor = anchor

	return room, true
}

func (e *Engine) LoadLiveTimeline(ctx context.Context) bool {
	room, ok := e.begin("")
	if !ok {
		return false
	}

	return e.reset(ctx, room, room.LiveSegment())
}

// LoadEventTimeline materializes the window around eventID. A failed
// lookup leaves the engine as it was.
func (e *Engine) LoadEventTimeline(ctx context.Context, eventID id.EventID) bool {
	e.RLock()
	detached := e.state == StateDetached
	e.RUnlock()

	if detached {
		return false
	}

	segID, err := e.client.ResolveTimelineSegment(ctx, e.roomID, eventID)
	if err != nil {
		logger.Debugf("can't load timeline of %s at %s: %s", e.roomID, eventID, err)
		return false
	}

	if room, ok := e.begin(eventID); ok {
		return e.reset(ctx, room, segID)
	}

	return false
}

func (e *Engine) reset(ctx context.Context, room bridge.Room, segID bridge.SegmentID) bool {
	chain := room.LinkedSegments(segID)
	e.decryptChain(ctx, room, chain)

	e.Lock()

	if e.state != StateLoading {
		e.Unlock()
		return false
	}

	e.exhausted = [2]bool{}
	e.materialize(room, chain)
	e.state = StateReady
	anchor := e.anchor
	size := len(e.timeline)
	e.Unlock()

	logger.Debugf("loaded %d events of %s (anchor %q)", size, e.roomID, anchor)

	e.bus.Publish(bridge.TypeReady, &bridge.ReadyEvent{RoomID: e.roomID, AnchorEventID: anchor})

	return true
}

func (e *Engine) decryptChain(ctx context.Context, room bridge.Room, chain []bridge.SegmentID) {
	if !room.IsEncrypted() {
		return
	}

	var encrypted []*event.Event

	for _, segID := range chain {
		seg, _ := room.Segment(segID)

		for _, ev := range seg.Events {
			if bridge.IsType(ev, event.EventEncrypted) {
				encrypted = append(encrypted, ev)
			}
		}
	}

	if len(encrypted) == 0 {
		return
	}

	if err := e.client.Decrypt(ctx, e.roomID, encrypted); err != nil {
		logger.Debugf("decrypting %d events of %s: %s", len(encrypted), e.roomID, err)
	}
}

// materialize rebuilds the timeline from the segments of chain. Live
// encrypted events still waiting for decryption stay out.
func (e *Engine) materialize(room bridge.Room, chain []bridge.SegmentID) {
	e.segments = chain
	e.timeline = nil
	e.seen = make(map[id.EventID]struct{})
	e.edits = make(map[id.EventID][]*event.Event)
	e.reactions = make(map[id.EventID][]*event.Event)

	for _, segID := range chain {
		seg, ok := room.Segment(segID)
		if !ok {
			continue
		}

		for _, ev := range seg.Events {
			if ev != nil {
				if _, held := e.pending[ev.ID]; held {
					continue
				}
			}

			e.addEvent(ev)
		}
	}
}

func (e *Engine) boundary(dir bridge.Direction) bridge.SegmentID {
	if len(e.segments) == 0 {
		return ""
	}

	if dir == bridge.Backward {
		return e.segments[0]
	}

	return e.segments[len(e.segments)-1]
}

// Paginate extends the window by up to limit events in dir. Only one
// pagination runs at a time, a concurrent call returns false at once.
// It reports whether the pagination ran and how many new events were
// materialized.
//
//nolint:funlen
func (e *Engine) Paginate(ctx context.Context, dir bridge.Direction, limit int) (bool, int) {
	e.Lock()

	if e.state != StateReady {
		e.Unlock()
		paginationTotal.WithLabelValues(dir.String(), "rejected").Inc()

		return false, 0
	}

	room := e.client.GetRoom(e.roomID)
	segID := e.boundary(dir)

	var token string

	if room != nil {
		if seg, ok := room.Segment(segID); ok {
			token = seg.Token(dir)
		}
	}

	if token == "" || (dir == bridge.Forward && e.servingLive()) {
		e.exhausted[dir] = true
		e.Unlock()
		paginationTotal.WithLabelValues(dir.String(), "exhausted").Inc()
		e.bus.Publish(bridge.TypePaginated, &bridge.PaginatedEvent{RoomID: e.roomID, Direction: dir})

		return false, 0
	}

	e.state = StatePaginating
	before := len(e.timeline)
	e.Unlock()

	err := e.client.Paginate(ctx, e.roomID, segID, dir, limit)

	e.RLock()
	detached := e.state == StateDetached
	e.RUnlock()

	if detached {
		paginationTotal.WithLabelValues(dir.String(), "discarded").Inc()
		return false, 0
	}

	if err != nil {
		e.Lock()
		if e.state == StatePaginating {
			e.state = StateReady
		}
		e.Unlock()

		logger.Warnf("paginating %s %s failed: %s", e.roomID, dir, err)
		paginationTotal.WithLabelValues(dir.String(), "error").Inc()
		e.bus.Publish(bridge.TypePaginated, &bridge.PaginatedEvent{RoomID: e.roomID, Direction: dir})

		return false, 0
	}

	chain := room.LinkedSegments(segID)
	e.decryptChain(ctx, room, chain)

	e.Lock()

	if e.state != StatePaginating {
		e.Unlock()
		return false, 0
	}

	e.materialize(room, chain)
	e.state = StateReady

	loaded := len(e.timeline) - before
	if loaded < 0 {
		loaded = 0
	}
	e.Unlock()

	paginationTotal.WithLabelValues(dir.String(), "ok").Inc()
	e.bus.Publish(bridge.TypePaginated, &bridge.PaginatedEvent{RoomID: e.roomID, Direction: dir, Loaded: loaded})

	return true, loaded
}

func (e *Engine) State() State {
	e.RLock()
	defer e.RUnlock()

	return e.state
}

func (e *Engine) IsServingLiveTimeline() bool {
	e.RLock()
	defer e.RUnlock()

	return e.servingLive()
}

// servingLive reports whether the window reaches the live end of the
// room. Pagination can link a historical window to the live segment, so
// it is derived from the current chain. The engine lock must be held.
func (e *Engine) servingLive() bool {
	if len(e.segments) == 0 {
		return false
	}

	room := e.client.GetRoom(e.roomID)
	if room == nil {
		return false
	}

	chain := room.LinkedSegments(e.boundary(bridge.Forward))
	if len(chain) == 0 {
		return false
	}

	return chain[len(chain)-1] == room.LiveSegment()
}

func (e *Engine) CanPaginateBackward() bool {
	e.RLock()
	defer e.RUnlock()

	if len(e.timeline) > 0 && bridge.IsType(e.timeline[0], event.StateCreate) {
		return false
	}

	return e.hasToken(bridge.Backward)
}

func (e *Engine) CanPaginateForward() bool {
	e.RLock()
	defer e.RUnlock()

	if e.servingLive() {
		return false
	}

	return e.hasToken(bridge.Forward)
}

func (e *Engine) hasToken(dir bridge.Direction) bool {
	if e.exhausted[dir] {
		return false
	}

	room := e.client.GetRoom(e.roomID)
	if room == nil {
		return false
	}

	seg, ok := room.Segment(e.boundary(dir))

	return ok && seg.Token(dir) != ""
}

func (e *Engine) Events() []*event.Event {
	e.RLock()
	defer e.RUnlock()

	return append([]*event.Event(nil), e.timeline...)
}

func (e *Engine) Edits(eventID id.EventID) []*event.Event {
	e.RLock()
	defer e.RUnlock()

	return append([]*event.Event(nil), e.edits[eventID]...)
}

func (e *Engine) Reactions(eventID id.EventID) []*event.Event {
	e.RLock()
	defer e.RUnlock()

	return append([]*event.Event(nil), e.reactions[eventID]...)
}

func (e *Engine) EventIndex(eventID id.EventID) int {
	e.RLock()
	defer e.RUnlock()

	return e.index(eventID)
}

func (e *Engine) index(eventID id.EventID) int {
	for i := len(e.timeline) - 1; i >= 0; i-- {
		if e.timeline[i].ID == eventID {
			return i
		}
	}

	return -1
}

// FindEventByID looks in the materialized timeline first and falls back
// to the client's copy.
func (e *Engine) FindEventByID(eventID id.EventID) *event.Event {
	e.RLock()
	i := e.index(eventID)

	var ev *event.Event
	if i >= 0 {
		ev = e.timeline[i]
	}
	e.RUnlock()

	if ev != nil {
		return ev
	}

	return e.client.FindEvent(e.roomID, eventID)
}

func (e *Engine) PendingDecryptions() int {
	e.RLock()
	defer e.RUnlock()

	return len(e.pending)
}

func (e *Engine) TypingMembers() []id.UserID {
	e.RLock()
	defer e.RUnlock()

	return e.typingMembers()
}

func (e *Engine) typingMembers() []id.UserID {
	res := make([]id.UserID, 0, len(e.typing))
	for userID := range e.typing {
		res = append(res, userID)
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })

	return res
}

// UnreadEventIndex returns the index of the first event after readUpTo,
// or -1 when readUpTo is not materialized or nothing follows it.
func (e *Engine) UnreadEventIndex(readUpTo id.EventID) int {
	e.RLock()
	defer e.RUnlock()

	i := e.index(readUpTo)
	if i < 0 || i+1 >= len(e.timeline) {
		return -1
	}

	return i + 1
}

// LiveReaders returns the other users whose read receipt points at the
// latest materialized live event.
func (e *Engine) LiveReaders() []id.UserID {
	e.RLock()
	defer e.RUnlock()

	if len(e.timeline) == 0 || !e.servingLive() {
		return nil
	}

	room := e.client.GetRoom(e.roomID)
	if room == nil {
		return nil
	}

	last := e.timeline[len(e.timeline)-1].ID
	me := e.client.UserID()

	var res []id.UserID

	for userID, eventID := range room.ReadReceipts() {
		if eventID == last && userID != me {
			res = append(res, userID)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })

	return res
}
