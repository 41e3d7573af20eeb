// Package notifications keeps per-room unread counts and sums them up into
// the spaces that contain the rooms.
package notifications

import (
	"sort"
	"strings"
	"sync"

	"github.com/42wim/mxstate/bridge"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"
)

type Count struct {
	Total     int
	Highlight int
}

// Graph is the part of the room graph the aggregator needs.
type Graph interface {
	AncestorSpaces(roomID id.RoomID) []id.RoomID
	Rooms() []id.RoomID
	Directs() []id.RoomID
}

// MuteMirror keeps a local copy of the muted rooms, used until the push
// rules arrive from the server.
type MuteMirror interface {
	MutedRooms() ([]id.RoomID, error)
	SetMutedRooms(rooms []id.RoomID) error
}

type entry struct {
	Count
	// set on space aggregates only
	contributors map[id.RoomID]Count
}

type emission struct {
	typ  string
	data interface{}
}

var notifiableTypes = map[string]struct{}{
	event.StateCreate.Type:    {},
	event.EventMessage.Type:   {},
	event.EventEncrypted.Type: {},
	event.EventSticker.Type:   {},
}

type Aggregator struct {
	client bridge.Client
	graph  Graph
	bus    *bridge.Bus
	mirror MuteMirror
	sub    *bridge.Subscription

	entries map[id.RoomID]*entry
	muted   map[id.RoomID]struct{}
	badge   bridge.BadgeState

	sync.RWMutex
}

// New creates an aggregator publishing on bus. mirror may be nil.
func New(client bridge.Client, graph Graph, bus *bridge.Bus, mirror MuteMirror) *Aggregator {
	return &Aggregator{
		client:  client,
		graph:   graph,
		bus:     bus,
		mirror:  mirror,
		entries: make(map[id.RoomID]*entry),
		muted:   make(map[id.RoomID]struct{}),
	}
}

func (a *Aggregator) Start() {
	a.Lock()
	defer a.Unlock()

	if a.sub != nil {
		return
	}

	a.sub = a.client.Subscribe(a.handle,
		bridge.TypeTimeline, bridge.TypeReceipt, bridge.TypeMembership, bridge.TypeAccountData)
}

func (a *Aggregator) Close() {
	a.Lock()
	defer a.Unlock()

	if a.sub != nil {
		a.client.Unsubscribe(a.sub)
		a.sub = nil
	}
}

func (a *Aggregator) publish(out []emission) {
	for _, e := range out {
		a.bus.Publish(e.typ, e.data)
	}
}

// Init loads the muted rooms and computes the initial count of every
// joined room the graph knows.
func (a *Aggregator) Init() {
	a.Lock()

	a.loadMuted()

	var out []emission

	rooms := append(a.graph.Rooms(), a.graph.Directs()...)
	for _, roomID := range rooms {
		out = append(out, a.recompute(roomID)...)
	}

	out = append(out, a.updateBadge()...)

	logger.Infof("initialized %d counts, %d muted rooms", len(a.entries), len(a.muted))

	a.Unlock()

	a.publish(out)
}

func (a *Aggregator) loadMuted() {
	if rules := a.client.PushRules(); rules != nil {
		a.muted = mutedFrom(rules)
		a.saveMuted()

		return
	}

	if a.mirror == nil {
		return
	}

	rooms, err := a.mirror.MutedRooms()
	if err != nil {
		logger.Errorf("loading muted rooms failed: %s", err)
		return
	}

	a.muted = make(map[id.RoomID]struct{}, len(rooms))
	for _, roomID := range rooms {
		a.muted[roomID] = struct{}{}
	}

	mutedRoomsGauge.Set(float64(len(a.muted)))
}

func (a *Aggregator) saveMuted() {
	mutedRoomsGauge.Set(float64(len(a.muted)))

	if a.mirror == nil {
		return
	}

	if err := a.mirror.SetMutedRooms(sortedKeys(a.muted)); err != nil {
		logger.Errorf("saving muted rooms failed: %s", err)
	}
}

// mutedFrom returns the rooms carrying an override rule that stops
// notifications. Such rules are named after the room.
func mutedFrom(rules *pushrules.PushRuleset) map[id.RoomID]struct{} {
	res := make(map[id.RoomID]struct{})
	if rules == nil {
		return res
	}

	for _, rule := range rules.Override {
		if rule == nil || !rule.Enabled || !strings.HasPrefix(rule.RuleID, "!") {
			continue
		}

		if len(rule.Actions) == 0 || rule.Actions[0] == nil || rule.Actions[0].Action != pushrules.ActionDontNotify {
			continue
		}

		if len(rule.Conditions) == 0 || rule.Conditions[0] == nil || rule.Conditions[0].Kind != pushrules.KindEventMatch {
			continue
		}

		res[id.RoomID(rule.RuleID)] = struct{}{}
	}

	return res
}

func notifiable(ev *event.Event) bool {
	if ev == nil || ev.Unsigned.RedactedBecause != nil || bridge.IsEdit(ev) {
		return false
	}

	_, ok := notifiableTypes[ev.Type.Type]

	return ok
}

// HasUnread reports whether the live timeline of roomID holds something
// newer than the user's read marker.
func (a *Aggregator) HasUnread(roomID id.RoomID) bool {
	room := a.client.GetRoom(roomID)
	if room == nil {
		return false
	}

	return a.hasUnread(room)
}

func (a *Aggregator) hasUnread(room bridge.Room) bool {
	seg, ok := room.Segment(room.LiveSegment())
	if !ok {
		return true
	}

	me := a.client.UserID()
	readUpTo := room.ReadUpTo(me)
	evs := seg.Events

	if n := len(evs); n > 0 {
		last := evs[n-1]
		if last.Sender == me && !bridge.IsType(last, event.StateMember) {
			return false
		}
	}

	for i := len(evs) - 1; i >= 0; i-- {
		if readUpTo != "" && evs[i].ID == readUpTo {
			return false
		}

		if notifiable(evs[i]) {
			return true
		}
	}

	// start of the loaded window
	return true
}

// recompute applies the room's current unread state as a fresh count.
func (a *Aggregator) recompute(roomID id.RoomID) []emission {
	room := a.client.GetRoom(roomID)
	if room == nil || room.IsSpace() || room.Membership() != event.MembershipJoin {
		return nil
	}

	if a.isMuted(roomID) || !a.hasUnread(room) {
		return nil
	}

	out, _ := a.setCount(roomID, room.UnreadCount(bridge.CountTotal), room.UnreadCount(bridge.CountHighlight))

	return out
}

func notiChanged(roomID id.RoomID, total, prevTotal int, present, prevPresent bool) emission {
	return emission{bridge.TypeNotiChanged, &bridge.NotiChangedEvent{
		RoomID:      roomID,
		Total:       total,
		PrevTotal:   prevTotal,
		Present:     present,
		PrevPresent: prevPresent,
	}}
}

// SetCount moves the count of roomID to the given values and carries the
// difference into every ancestor space. Counts only grow here, a lower
// value is rejected as stale. Muted rooms and spaces never get a count.
func (a *Aggregator) SetCount(roomID id.RoomID, total, highlight int) bool {
	if room := a.client.GetRoom(roomID); room != nil && room.IsSpace() {
		return false
	}

	a.Lock()
	out, ok := a.setCount(roomID, total, highlight)
	out = append(out, a.updateBadge()...)
	a.Unlock()

	a.publish(out)

	return ok
}

func (a *Aggregator) setCount(roomID id.RoomID, total, highlight int) ([]emission, bool) {
	if total < 0 || highlight < 0 {
		logger.Debugf("ignoring negative count for %s", roomID)
		return nil, false
	}

	if a.isMuted(roomID) {
		return nil, false
	}

	if highlight > total {
		total = highlight
	}

	var prev Count

	old, had := a.entries[roomID]
	if had {
		if old.contributors != nil {
			return nil, false
		}

		prev = old.Count
	}

	next := Count{Total: total, Highlight: highlight}

	if next.Total < prev.Total || next.Highlight < prev.Highlight {
		staleDeltas.Inc()
		logger.Debugf("rejecting stale count %+v for %s, have %+v", next, roomID, prev)

		return nil, false
	}

	if had && next == prev {
		return nil, false
	}

	a.entries[roomID] = &entry{Count: next}
	out := []emission{notiChanged(roomID, next.Total, prev.Total, true, had)}

	ancestors := a.graph.AncestorSpaces(roomID)
	keep := make(map[id.RoomID]struct{}, len(ancestors))

	for _, spaceID := range ancestors {
		keep[spaceID] = struct{}{}

		agg, ok := a.entries[spaceID]
		if !ok {
			agg = &entry{}
			a.entries[spaceID] = agg
		}

		if agg.contributors == nil {
			agg.contributors = make(map[id.RoomID]Count)
		}

		prevTotal := agg.Total
		contributed := agg.contributors[roomID]

		agg.Total += next.Total - contributed.Total
		agg.Highlight += next.Highlight - contributed.Highlight
		agg.contributors[roomID] = next

		out = append(out, notiChanged(spaceID, agg.Total, prevTotal, true, ok))
	}

	// spaces the room has left since its last update
	out = append(out, a.dropContributions(roomID, keep)...)

	return out, true
}

// ClearCount removes the count of roomID and its contribution to every
// space.
func (a *Aggregator) ClearCount(roomID id.RoomID) {
	a.Lock()
	out := a.clearCount(roomID)
	out = append(out, a.updateBadge()...)
	a.Unlock()

	a.publish(out)
}

func (a *Aggregator) clearCount(roomID id.RoomID) []emission {
	var out []emission

	if e, ok := a.entries[roomID]; ok && e.contributors == nil {
		delete(a.entries, roomID)

		out = append(out,
			emission{bridge.TypeFullyRead, &bridge.FullyReadEvent{RoomID: roomID}},
			notiChanged(roomID, 0, e.Total, false, true))
	}

	return append(out, a.dropContributions(roomID, nil)...)
}

// dropContributions takes the contribution of roomID out of every space
// aggregate not in keep. Aggregates left without contributors are deleted.
func (a *Aggregator) dropContributions(roomID id.RoomID, keep map[id.RoomID]struct{}) []emission {
	var out []emission

	for _, spaceID := range sortedKeys(a.entries) {
		if _, ok := keep[spaceID]; ok {
			continue
		}

		agg := a.entries[spaceID]

		contributed, ok := agg.contributors[roomID]
		if !ok {
			continue
		}

		prevTotal := agg.Total

		delete(agg.contributors, roomID)
		agg.Total -= contributed.Total
		agg.Highlight -= contributed.Highlight

		if agg.Total < 0 {
			agg.Total, agg.Highlight = 0, 0
		}

		if agg.Highlight < 0 {
			agg.Highlight = 0
		}

		if len(agg.contributors) == 0 {
			delete(a.entries, spaceID)

			out = append(out,
				emission{bridge.TypeFullyRead, &bridge.FullyReadEvent{RoomID: spaceID}},
				notiChanged(spaceID, 0, prevTotal, false, true))

			continue
		}

		out = append(out, notiChanged(spaceID, agg.Total, prevTotal, true, true))
	}

	return out
}

func (a *Aggregator) updateBadge() []emission {
	state := bridge.BadgeClean

	for _, e := range a.entries {
		if e.contributors != nil {
			continue
		}

		if e.Highlight > 0 {
			state = bridge.BadgeHighlighted
			break
		}

		if e.Total > 0 {
			state = bridge.BadgeUnread
		}
	}

	unreadRooms.Set(float64(len(a.entries)))

	if state == a.badge {
		return nil
	}

	a.badge = state

	return []emission{{bridge.TypeBadgeChanged, &bridge.BadgeChangedEvent{State: state}}}
}

func (a *Aggregator) handle(ev *bridge.Event) {
	switch data := ev.Data.(type) {
	case *bridge.TimelineEvent:
		a.handleTimeline(data)
	case *bridge.ReceiptEvent:
		if data.UserID != a.client.UserID() {
			return
		}

		if data.ReceiptType == "m.read" || data.ReceiptType == "m.read.private" {
			a.ClearCount(data.RoomID)
		}
	case *bridge.MembershipEvent:
		switch data.Membership {
		case event.MembershipLeave, event.MembershipBan, bridge.MembershipKick:
			a.ClearCount(data.RoomID)
		}
	case *bridge.AccountDataEvent:
		if data.RoomID == "" && bridge.IsType(data.Event, event.AccountDataPushRules) {
			a.applyPushRules(a.client.PushRules())
		}
	}
}

func (a *Aggregator) handleTimeline(data *bridge.TimelineEvent) {
	ev := data.Event
	if !data.Live || !notifiable(ev) || ev.Sender == a.client.UserID() {
		return
	}

	room := a.client.GetRoom(data.RoomID)
	if room == nil || room.IsSpace() {
		return
	}

	seg, ok := room.Segment(room.LiveSegment())
	if !ok || len(seg.Events) == 0 || seg.Events[len(seg.Events)-1].ID != ev.ID {
		return
	}

	a.Lock()

	var out []emission

	if a.isMuted(data.RoomID) {
		out = a.clearCount(data.RoomID)
	} else {
		out, _ = a.setCount(data.RoomID, room.UnreadCount(bridge.CountTotal), room.UnreadCount(bridge.CountHighlight))
	}

	out = append(out, a.updateBadge()...)
	a.Unlock()

	a.publish(out)
}

// applyPushRules diffs the muted rooms against rules. Newly muted rooms
// lose their counts, unmuted rooms are counted again from scratch.
func (a *Aggregator) applyPushRules(rules *pushrules.PushRuleset) {
	if rules == nil {
		return
	}

	a.Lock()

	next := mutedFrom(rules)
	prev := a.muted

	var out []emission

	for _, roomID := range sortedKeys(next) {
		if _, ok := prev[roomID]; ok {
			continue
		}

		out = append(out, a.clearCount(roomID)...)
		out = append(out, emission{bridge.TypeMuteToggled, &bridge.MuteToggledEvent{RoomID: roomID, Muted: true}})
	}

	a.muted = next

	for _, roomID := range sortedKeys(prev) {
		if _, ok := next[roomID]; ok {
			continue
		}

		out = append(out, a.recompute(roomID)...)
		out = append(out, emission{bridge.TypeMuteToggled, &bridge.MuteToggledEvent{RoomID: roomID, Muted: false}})
	}

	a.saveMuted()

	out = append(out, a.updateBadge()...)
	a.Unlock()

	a.publish(out)
}

func (a *Aggregator) isMuted(roomID id.RoomID) bool {
	_, ok := a.muted[roomID]
	return ok
}

func (a *Aggregator) IsMuted(roomID id.RoomID) bool {
	a.RLock()
	defer a.RUnlock()

	return a.isMuted(roomID)
}

func (a *Aggregator) MutedRooms() []id.RoomID {
	a.RLock()
	defer a.RUnlock()

	return sortedKeys(a.muted)
}

// Count returns the count of a room, or the aggregate of a space.
func (a *Aggregator) Count(roomID id.RoomID) Count {
	a.RLock()
	defer a.RUnlock()

	if e, ok := a.entries[roomID]; ok {
		return e.Count
	}

	return Count{}
}

// HasNoti reports whether roomID has an entry, which may be zero when
// the room is unread but the server counted nothing.
func (a *Aggregator) HasNoti(roomID id.RoomID) bool {
	a.RLock()
	defer a.RUnlock()

	_, ok := a.entries[roomID]

	return ok
}

func (a *Aggregator) Total(roomID id.RoomID) int {
	return a.Count(roomID).Total
}

func (a *Aggregator) Highlight(roomID id.RoomID) int {
	return a.Count(roomID).Highlight
}

// Contributors lists the rooms adding to the aggregate of a space.
func (a *Aggregator) Contributors(spaceID id.RoomID) []id.RoomID {
	a.RLock()
	defer a.RUnlock()

	e, ok := a.entries[spaceID]
	if !ok {
		return nil
	}

	return sortedKeys(e.contributors)
}

func (a *Aggregator) Badge() bridge.BadgeState {
	a.RLock()
	defer a.RUnlock()

	return a.badge
}

func sortedKeys[V any](m map[id.RoomID]V) []id.RoomID {
	res := make([]id.RoomID, 0, len(m))
	for k := range m {
		res = append(res, k)
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })

	return res
}
