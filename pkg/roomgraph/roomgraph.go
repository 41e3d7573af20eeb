package roomgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/42wim/mxstate/bridge"
	"github.com/desertbit/timer"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type Kind int

const (
	KindRoom Kind = iota
	KindSpace
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindSpace:
		return "space"
	case KindDirect:
		return "direct"
	default:
		return "room"
	}
}

type Node struct {
	RoomID     id.RoomID
	Kind       Kind
	Membership event.Membership
}

// JoinRequest describes a join or create started locally. IsDirect marks a
// conversation the user started as a direct message.
type JoinRequest struct {
	IsDirect bool
	Created  bool
}

type Options struct {
	// DirectCorrectionWindow is how long a locally started direct message
	// may sit in the room set waiting for m.direct before it is moved.
	DirectCorrectionWindow time.Duration
}

type set map[id.RoomID]struct{}

func (s set) has(roomID id.RoomID) bool {
	_, ok := s[roomID]
	return ok
}

func (s set) sorted() []id.RoomID {
	res := make([]id.RoomID, 0, len(s))
	for roomID := range s {
		res = append(res, roomID)
	}

	sortRooms(res)

	return res
}

func sortRooms(rooms []id.RoomID) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
}

type emission struct {
	typ  string
	data interface{}
}

// Graph classifies the rooms of one account and tracks which spaces
// contain them.
type Graph struct {
	client bridge.Client
	bus    *bridge.Bus
	sub    *bridge.Subscription
	opts   Options

	mDirects set
	// child -> parent spaces
	parents map[id.RoomID]set

	spaces        set
	rooms         set
	directs       set
	inviteSpaces  set
	inviteRooms   set
	inviteDirects set

	processing  map[id.RoomID]JoinRequest
	corrections map[id.RoomID]*timer.Timer
	closed      bool

	sync.RWMutex
}

func New(client bridge.Client, bus *bridge.Bus, opts Options) *Graph {
	if opts.DirectCorrectionWindow <= 0 {
		opts.DirectCorrectionWindow = 10 * time.Second
	}

	return &Graph{
		client:        client,
		bus:           bus,
		opts:          opts,
		mDirects:      make(set),
		parents:       make(map[id.RoomID]set),
		spaces:        make(set),
		rooms:         make(set),
		directs:       make(set),
		inviteSpaces:  make(set),
		inviteRooms:   make(set),
		inviteDirects: make(set),
		processing:    make(map[id.RoomID]JoinRequest),
		corrections:   make(map[id.RoomID]*timer.Timer),
	}
}

// Start subscribes the graph to the client notifications it follows.
func (g *Graph) Start() {
	g.Lock()
	defer g.Unlock()

	if g.sub != nil || g.closed {
		return
	}

	g.sub = g.client.Subscribe(g.handle,
		bridge.TypeAccountData, bridge.TypeState, bridge.TypeMembership, bridge.TypeRoomAdded)
}

// Close cancels pending corrections and stops following the client. The
// graph keeps answering queries with its last state.
func (g *Graph) Close() {
	g.Lock()
	defer g.Unlock()

	g.closed = true

	for roomID, t := range g.corrections {
		t.Stop()
		delete(g.corrections, roomID)
	}

	if g.sub != nil {
		g.client.Unsubscribe(g.sub)
		g.sub = nil
	}
}

func (g *Graph) publish(out []emission) {
	for _, e := range out {
		g.bus.Publish(e.typ, e.data)
	}
}

// Populate classifies every room the client currently knows.
func (g *Graph) Populate() {
	g.Lock()

	g.loadDirects()

	for _, room := range g.client.GetRooms() {
		roomID := room.ID()

		switch room.Membership() {
		case event.MembershipInvite:
			g.classifyInvite(room)
		case event.MembershipJoin:
			if g.isJoined(roomID) {
				continue
			}

			if g.replacedByJoined(room) {
				logger.Debugf("skipping %s, replaced by a joined room", roomID)
				continue
			}

			g.classifyJoined(room)
		}
	}

	for _, spaceID := range g.spaces.sorted() {
		g.registerSpaceChildren(spaceID)
	}

	logger.Infof("populated %d spaces, %d rooms, %d directs, %d invites",
		len(g.spaces), len(g.rooms), len(g.directs), len(g.inviteSpaces)+len(g.inviteRooms)+len(g.inviteDirects))

	g.Unlock()

	g.publish([]emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}})
}

func (g *Graph) replacedByJoined(room bridge.Room) bool {
	tombstone := room.StateEvent(event.StateTombstone, "")
	if tombstone == nil {
		return false
	}

	var content struct {
		ReplacementRoom id.RoomID `json:"replacement_room"`
	}

	if err := bridge.Decode(tombstone.Content.Raw, &content); err != nil || content.ReplacementRoom == "" {
		return false
	}

	replacement := g.client.GetRoom(content.ReplacementRoom)

	return replacement != nil && replacement.Membership() == event.MembershipJoin
}

func (g *Graph) loadDirects() {
	g.mDirects = make(set)

	for _, rooms := range g.client.DirectRooms() {
		for _, roomID := range rooms {
			g.mDirects[roomID] = struct{}{}
		}
	}
}

func (g *Graph) isDirectInvite(room bridge.Room) bool {
	if g.mDirects.has(room.ID()) {
		return true
	}

	own := room.StateEvent(event.StateMember, string(g.client.UserID()))
	if own == nil {
		return false
	}

	isDirect, _ := own.Content.Raw["is_direct"].(bool)

	return isDirect
}

func (g *Graph) classifyInvite(room bridge.Room) {
	switch {
	case g.isDirectInvite(room):
		g.inviteDirects[room.ID()] = struct{}{}
	case room.IsSpace():
		g.inviteSpaces[room.ID()] = struct{}{}
	default:
		g.inviteRooms[room.ID()] = struct{}{}
	}
}

func (g *Graph) removeInvite(roomID id.RoomID) bool {
	found := g.inviteDirects.has(roomID) || g.inviteSpaces.has(roomID) || g.inviteRooms.has(roomID)

	delete(g.inviteDirects, roomID)
	delete(g.inviteSpaces, roomID)
	delete(g.inviteRooms, roomID)

	return found
}

func (g *Graph) classifyJoined(room bridge.Room) Kind {
	roomID := room.ID()

	switch {
	case g.mDirects.has(roomID):
		g.directs[roomID] = struct{}{}
		return KindDirect
	case room.IsSpace():
		g.spaces[roomID] = struct{}{}
		return KindSpace
	default:
		g.rooms[roomID] = struct{}{}
		return KindRoom
	}
}

func (g *Graph) isJoined(roomID id.RoomID) bool {
	return g.rooms.has(roomID) || g.directs.has(roomID) || g.spaces.has(roomID)
}

// ClassifyOnJoin records a locally started join or create. When the room
// is not available yet the request is kept and completed once the client
// reports the room and the joined membership. Returns true when the room
// was classified right away.
func (g *Graph) ClassifyOnJoin(roomID id.RoomID, req JoinRequest) bool {
	g.Lock()

	room := g.client.GetRoom(roomID)
	if room == nil || room.Membership() != event.MembershipJoin {
		g.processing[roomID] = req
		g.Unlock()

		logger.Debugf("deferring classification of %s", roomID)

		return false
	}

	out := g.completeJoin(room, req)
	g.Unlock()

	g.publish(out)

	return true
}

func (g *Graph) completeJoin(room bridge.Room, req JoinRequest) []emission {
	roomID := room.ID()
	delete(g.processing, roomID)

	var out []emission

	if g.removeInvite(roomID) {
		out = append(out, emission{bridge.TypeInviteListUpdated, &bridge.RoomListEvent{RoomID: roomID}})
	}

	if !g.isJoined(roomID) {
		kind := g.classifyJoined(room)

		switch kind {
		case KindSpace:
			g.registerSpaceChildren(roomID)
		case KindRoom:
			if req.IsDirect {
				g.scheduleCorrection(roomID)
			}
		}
	}

	if req.Created {
		out = append(out, emission{bridge.TypeRoomCreated, &bridge.RoomListEvent{RoomID: roomID}})
	}

	return append(out,
		emission{bridge.TypeRoomJoined, &bridge.RoomListEvent{RoomID: roomID}},
		emission{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}})
}

func (g *Graph) scheduleCorrection(roomID id.RoomID) {
	if g.closed {
		return
	}

	if t, ok := g.corrections[roomID]; ok {
		t.Stop()
	}

	g.corrections[roomID] = timer.AfterFunc(g.opts.DirectCorrectionWindow, func() {
		g.correct(roomID)
	})
}

func (g *Graph) cancelCorrection(roomID id.RoomID) {
	if t, ok := g.corrections[roomID]; ok {
		t.Stop()
		delete(g.corrections, roomID)
	}
}

// correct moves a direct message that m.direct did not confirm in time
// from the room set to the direct set.
func (g *Graph) correct(roomID id.RoomID) {
	g.Lock()

	if g.closed {
		g.Unlock()
		return
	}

	delete(g.corrections, roomID)

	if !g.rooms.has(roomID) {
		g.Unlock()
		return
	}

	delete(g.rooms, roomID)
	g.directs[roomID] = struct{}{}
	g.Unlock()

	logger.Debugf("moved %s to directs after correction window", roomID)

	g.publish([]emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}})
}

func (g *Graph) handle(ev *bridge.Event) {
	var out []emission

	g.Lock()

	if g.closed {
		g.Unlock()
		return
	}

	switch data := ev.Data.(type) {
	case *bridge.AccountDataEvent:
		if data.RoomID == "" && bridge.IsType(data.Event, event.AccountDataDirectChats) {
			out = g.handleDirects()
		}
	case *bridge.StateEvent:
		out = g.handleState(data)
	case *bridge.MembershipEvent:
		out = g.handleMembership(data)
	case *bridge.RoomAddedEvent:
		out = g.handleRoomAdded(data.RoomID)
	}

	g.Unlock()

	g.publish(out)
}

func (g *Graph) handleDirects() []emission {
	g.loadDirects()

	moved := false

	for _, roomID := range g.rooms.sorted() {
		if g.mDirects.has(roomID) {
			delete(g.rooms, roomID)
			g.directs[roomID] = struct{}{}
			g.cancelCorrection(roomID)

			moved = true
		}
	}

	for _, roomID := range g.directs.sorted() {
		if _, pending := g.corrections[roomID]; pending {
			continue
		}

		if !g.mDirects.has(roomID) {
			delete(g.directs, roomID)
			g.rooms[roomID] = struct{}{}

			moved = true
		}
	}

	if !moved {
		return nil
	}

	return []emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}}
}

func (g *Graph) handleState(data *bridge.StateEvent) []emission {
	ev := data.Event
	if ev == nil || ev.StateKey == nil {
		return nil
	}

	switch ev.Type.Type {
	case event.StateSpaceChild.Type:
		if !g.spaces.has(data.RoomID) {
			return nil
		}

		childID := id.RoomID(*ev.StateKey)

		if len(ev.Content.Raw) > 0 {
			if !g.addEdge(data.RoomID, childID) {
				return nil
			}
		} else {
			g.removeEdge(data.RoomID, childID)
		}

		return []emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}}
	case event.StateJoinRules.Type:
		return []emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}}
	case event.StateRoomAvatar.Type:
		return []emission{
			{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}},
			{bridge.TypeRoomProfileUpdated, &bridge.RoomListEvent{RoomID: data.RoomID}},
		}
	case event.StateRoomName.Type, event.StateTopic.Type:
		return []emission{{bridge.TypeRoomProfileUpdated, &bridge.RoomListEvent{RoomID: data.RoomID}}}
	}

	return nil
}

//nolint:funlen
func (g *Graph) handleMembership(data *bridge.MembershipEvent) []emission {
	roomID := data.RoomID

	switch data.Membership {
	case bridge.MembershipUnban:
		return nil
	case event.MembershipInvite:
		room := g.client.GetRoom(roomID)
		if room == nil {
			return nil
		}

		g.removeInvite(roomID)
		g.classifyInvite(room)

		return []emission{{bridge.TypeInviteListUpdated, &bridge.RoomListEvent{RoomID: roomID}}}
	}

	var out []emission

	if data.Prev == event.MembershipInvite && g.removeInvite(roomID) {
		out = append(out, emission{bridge.TypeInviteListUpdated, &bridge.RoomListEvent{RoomID: roomID}})
	}

	switch data.Membership {
	case event.MembershipLeave, event.MembershipBan, bridge.MembershipKick:
		delete(g.processing, roomID)
		g.cancelCorrection(roomID)

		if !g.isJoined(roomID) {
			return out
		}

		if g.spaces.has(roomID) {
			g.unregisterSpaceChildren(roomID)
		}

		delete(g.rooms, roomID)
		delete(g.directs, roomID)
		delete(g.spaces, roomID)

		return append(out,
			emission{bridge.TypeRoomLeft, &bridge.RoomListEvent{RoomID: roomID}},
			emission{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}})
	case event.MembershipJoin:
		room := g.client.GetRoom(roomID)
		if room == nil {
			// completed on room_added
			if _, ok := g.processing[roomID]; !ok {
				g.processing[roomID] = JoinRequest{}
			}

			return out
		}

		if req, ok := g.processing[roomID]; ok {
			return append(out, g.completeJoin(room, req)...)
		}

		if g.isJoined(roomID) {
			return out
		}

		if g.classifyJoined(room) == KindSpace {
			g.registerSpaceChildren(roomID)
		}

		return append(out,
			emission{bridge.TypeRoomJoined, &bridge.RoomListEvent{RoomID: roomID}},
			emission{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}})
	}

	return out
}

func (g *Graph) handleRoomAdded(roomID id.RoomID) []emission {
	req, ok := g.processing[roomID]
	if !ok {
		return nil
	}

	room := g.client.GetRoom(roomID)
	if room == nil || room.Membership() != event.MembershipJoin {
		return nil
	}

	return g.completeJoin(room, req)
}

// RegisterSpaceChildren adds spaceID as parent of every child it declares,
// skipping children that are already its ancestors. Returns false when the
// space is not available locally.
func (g *Graph) RegisterSpaceChildren(spaceID id.RoomID) bool {
	g.Lock()
	ok := g.registerSpaceChildren(spaceID)
	g.Unlock()

	if ok {
		g.publish([]emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}})
	}

	return ok
}

func (g *Graph) registerSpaceChildren(spaceID id.RoomID) bool {
	space := g.client.GetRoom(spaceID)
	if space == nil {
		return false
	}

	for _, ev := range space.StateEvents(event.StateSpaceChild) {
		if ev.StateKey == nil || len(ev.Content.Raw) == 0 {
			continue
		}

		g.addEdge(spaceID, id.RoomID(*ev.StateKey))
	}

	return true
}

// UnregisterSpaceChildren removes spaceID from the parent set of every
// room it contains.
func (g *Graph) UnregisterSpaceChildren(spaceID id.RoomID) {
	g.Lock()
	g.unregisterSpaceChildren(spaceID)
	g.Unlock()

	g.publish([]emission{{bridge.TypeRoomListUpdated, &bridge.RoomListEvent{}}})
}

func (g *Graph) unregisterSpaceChildren(spaceID id.RoomID) {
	for childID := range g.parents {
		g.removeEdge(spaceID, childID)
	}
}

func (g *Graph) addEdge(spaceID, childID id.RoomID) bool {
	if childID == "" || childID == spaceID {
		return false
	}

	for _, ancestor := range g.ancestors(spaceID) {
		if ancestor == childID {
			logger.Warnf("ignoring %s as child of %s, it would close a cycle", childID, spaceID)
			return false
		}
	}

	ps, ok := g.parents[childID]
	if !ok {
		ps = make(set)
		g.parents[childID] = ps
	}

	ps[spaceID] = struct{}{}

	return true
}

func (g *Graph) removeEdge(spaceID, childID id.RoomID) {
	ps, ok := g.parents[childID]
	if !ok {
		return
	}

	delete(ps, spaceID)

	if len(ps) == 0 {
		delete(g.parents, childID)
	}
}

// AncestorSpaces returns every space that contains roomID directly or
// through other spaces. Each space is visited once, cycles included.
func (g *Graph) AncestorSpaces(roomID id.RoomID) []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.ancestors(roomID)
}

func (g *Graph) ancestors(roomID id.RoomID) []id.RoomID {
	visited := set{roomID: struct{}{}}
	work := []id.RoomID{roomID}

	var res []id.RoomID

	for len(work) > 0 {
		current := work[len(work)-1]
		work = work[:len(work)-1]

		for parent := range g.parents[current] {
			if visited.has(parent) {
				continue
			}

			visited[parent] = struct{}{}
			res = append(res, parent)
			work = append(work, parent)
		}
	}

	sortRooms(res)

	return res
}

func (g *Graph) IsOrphan(roomID id.RoomID) bool {
	g.RLock()
	defer g.RUnlock()

	return len(g.parents[roomID]) == 0
}

func (g *Graph) Parents(roomID id.RoomID) []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.parents[roomID].sorted()
}

func (g *Graph) SpaceChildren(spaceID id.RoomID) []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.children(spaceID)
}

func (g *Graph) children(spaceID id.RoomID) []id.RoomID {
	var res []id.RoomID

	for childID, ps := range g.parents {
		if ps.has(spaceID) {
			res = append(res, childID)
		}
	}

	sortRooms(res)

	return res
}

func (g *Graph) orphansOf(s set) []id.RoomID {
	var res []id.RoomID

	for roomID := range s {
		if len(g.parents[roomID]) == 0 {
			res = append(res, roomID)
		}
	}

	sortRooms(res)

	return res
}

func (g *Graph) OrphanSpaces() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.orphansOf(g.spaces)
}

func (g *Graph) OrphanRooms() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.orphansOf(g.rooms)
}

// Orphans returns joined spaces and rooms without a parent. Direct
// messages are never placed in spaces and are left out.
func (g *Graph) Orphans() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	res := append(g.orphansOf(g.spaces), g.orphansOf(g.rooms)...)
	sortRooms(res)

	return res
}

// CategorizedSpaces maps each given space to the joined rooms found
// anywhere below it.
func (g *Graph) CategorizedSpaces(spaceIDs []id.RoomID) map[id.RoomID][]id.RoomID {
	g.RLock()
	defer g.RUnlock()

	res := make(map[id.RoomID][]id.RoomID, len(spaceIDs))

	for _, spaceID := range spaceIDs {
		found := make(set)
		visited := set{spaceID: struct{}{}}
		work := []id.RoomID{spaceID}

		for len(work) > 0 {
			current := work[len(work)-1]
			work = work[:len(work)-1]

			for _, childID := range g.children(current) {
				if visited.has(childID) {
					continue
				}

				visited[childID] = struct{}{}

				if g.spaces.has(childID) {
					work = append(work, childID)
				} else if g.rooms.has(childID) || g.directs.has(childID) {
					found[childID] = struct{}{}
				}
			}
		}

		res[spaceID] = found.sorted()
	}

	return res
}

func (g *Graph) Node(roomID id.RoomID) (Node, bool) {
	g.RLock()
	defer g.RUnlock()

	n := Node{RoomID: roomID, Membership: event.MembershipJoin}

	switch {
	case g.spaces.has(roomID):
		n.Kind = KindSpace
	case g.rooms.has(roomID):
		n.Kind = KindRoom
	case g.directs.has(roomID):
		n.Kind = KindDirect
	case g.inviteSpaces.has(roomID):
		n.Kind, n.Membership = KindSpace, event.MembershipInvite
	case g.inviteRooms.has(roomID):
		n.Kind, n.Membership = KindRoom, event.MembershipInvite
	case g.inviteDirects.has(roomID):
		n.Kind, n.Membership = KindDirect, event.MembershipInvite
	default:
		return Node{}, false
	}

	return n, true
}

func (g *Graph) Spaces() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.spaces.sorted()
}

func (g *Graph) Rooms() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.rooms.sorted()
}

func (g *Graph) Directs() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.directs.sorted()
}

func (g *Graph) InviteSpaces() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.inviteSpaces.sorted()
}

func (g *Graph) InviteRooms() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.inviteRooms.sorted()
}

func (g *Graph) InviteDirects() []id.RoomID {
	g.RLock()
	defer g.RUnlock()

	return g.inviteDirects.sorted()
}

// IsDirect reports whether m.direct lists roomID.
func (g *Graph) IsDirect(roomID id.RoomID) bool {
	g.RLock()
	defer g.RUnlock()

	return g.mDirects.has(roomID)
}
