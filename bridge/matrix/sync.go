package matrix

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/42wim/mxstate/bridge"
	"github.com/davecgh/go-spew/spew"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"
)

type Syncer struct {
	m *Matrix
}

func NewSyncer(m *Matrix) *Syncer {
	return &Syncer{
		m: m,
	}
}

type publication struct {
	typ  string
	data interface{}
}

type batch struct {
	out     []publication
	decrypt map[id.RoomID][]*event.Event
}

func (b *batch) add(typ string, data interface{}) {
	b.out = append(b.out, publication{typ, data})
}

// ProcessResponse applies one sync batch to the local store. Notifications
// are published once the whole batch is applied and no lock is held, live
// encrypted events are handed to the decrypter after that.
func (s *Syncer) ProcessResponse(ctx context.Context, resp *mautrix.RespSync, since string) error {
	logger.Debugf("processing sync %s -> %s", since, resp.NextBatch)
	logger.Tracef("sync response %s", spew.Sdump(resp))

	b := &batch{decrypt: make(map[id.RoomID][]*event.Event)}

	for _, ev := range resp.AccountData.Events {
		s.handleGlobalAccountData(ev, b)
	}

	for _, roomID := range sortedKeys(resp.Rooms.Invite) {
		s.handleInvite(roomID, resp.Rooms.Invite[roomID], b)
	}

	for _, roomID := range sortedKeys(resp.Rooms.Join) {
		s.handleJoin(roomID, resp.Rooms.Join[roomID], b)
	}

	for _, roomID := range sortedKeys(resp.Rooms.Leave) {
		s.handleLeave(roomID, resp.Rooms.Leave[roomID], b)
	}

	for _, p := range b.out {
		s.m.bus.Publish(p.typ, p.data)
	}

	for _, roomID := range sortedKeys(b.decrypt) {
		if err := s.m.Decrypt(ctx, roomID, b.decrypt[roomID]); err != nil {
			logger.Debugf("decryption in %s: %s", roomID, err)
		}
	}

	return nil
}

func sortedKeys[V any](in map[id.RoomID]V) []id.RoomID {
	keys := make([]id.RoomID, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

func (s *Syncer) ensureRoom(roomID id.RoomID) (*Room, bool) {
	s.m.Lock()
	defer s.m.Unlock()

	if r, ok := s.m.rooms[roomID]; ok {
		return r, false
	}

	r := newRoom(roomID)
	s.m.rooms[roomID] = r

	return r, true
}

func (s *Syncer) handleGlobalAccountData(ev *event.Event, b *batch) {
	switch ev.Type.Type {
	case event.AccountDataDirectChats.Type:
		direct := make(map[id.UserID][]id.RoomID)

		for userID, v := range ev.Content.Raw {
			list, ok := v.([]interface{})
			if !ok {
				continue
			}

			for _, roomID := range list {
				if rs, ok := roomID.(string); ok {
					direct[id.UserID(userID)] = append(direct[id.UserID(userID)], id.RoomID(rs))
				}
			}
		}

		s.m.Lock()
		s.m.direct = direct
		s.m.Unlock()
	case event.AccountDataPushRules.Type:
		rules, err := parsePushRules(ev)
		if err != nil {
			logger.Errorf("invalid push rules: %s", err)
			return
		}

		s.m.Lock()
		s.m.pushRules = rules
		s.m.Unlock()
	}

	b.add(bridge.TypeAccountData, &bridge.AccountDataEvent{Event: ev})
}

func parsePushRules(ev *event.Event) (*pushrules.PushRuleset, error) {
	data, err := json.Marshal(ev.Content.Raw)
	if err != nil {
		return nil, err
	}

	var content struct {
		Global *pushrules.PushRuleset `json:"global"`
	}

	if err := json.Unmarshal(data, &content); err != nil {
		return nil, err
	}

	return content.Global, nil
}

func (s *Syncer) handleInvite(roomID id.RoomID, invited *mautrix.SyncInvitedRoom, b *batch) {
	r, created := s.ensureRoom(roomID)

	r.Lock()
	for _, ev := range invited.State.Events {
		ev.RoomID = roomID
		r.setState(ev)
	}

	prev := r.membership
	r.membership = event.MembershipInvite
	r.Unlock()

	if created {
		b.add(bridge.TypeRoomAdded, &bridge.RoomAddedEvent{RoomID: roomID})
	}

	if prev != event.MembershipInvite {
		b.add(bridge.TypeMembership, &bridge.MembershipEvent{RoomID: roomID, Membership: event.MembershipInvite, Prev: prev})
	}
}

//nolint:funlen
func (s *Syncer) handleJoin(roomID id.RoomID, joined *mautrix.SyncJoinedRoom, b *batch) {
	r, created := s.ensureRoom(roomID)

	r.Lock()

	if joined.UnreadNotifications != nil {
		r.unread[bridge.CountTotal] = joined.UnreadNotifications.NotificationCount
		r.unread[bridge.CountHighlight] = joined.UnreadNotifications.HighlightCount
	}

	for _, ev := range joined.State.Events {
		ev.RoomID = roomID
		r.setState(ev)
		b.add(bridge.TypeState, &bridge.StateEvent{RoomID: roomID, Event: ev})
	}

	// timeline state must be known before anybody classifies the room
	for _, ev := range joined.Timeline.Events {
		if ev.StateKey != nil {
			ev.RoomID = roomID
			r.setState(ev)
		}
	}

	if created {
		b.add(bridge.TypeRoomAdded, &bridge.RoomAddedEvent{RoomID: roomID})
	}

	prev := r.membership
	r.membership = event.MembershipJoin

	if prev != event.MembershipJoin {
		b.add(bridge.TypeMembership, &bridge.MembershipEvent{RoomID: roomID, Membership: event.MembershipJoin, Prev: prev})
	}

	s.applyTimeline(r, &joined.Timeline, b)

	for _, ev := range joined.Ephemeral.Events {
		switch ev.Type.Type {
		case event.EphemeralEventTyping.Type:
			s.applyTyping(r, ev, b)
		case event.EphemeralEventReceipt.Type:
			s.applyReceipts(r, ev, b)
		}
	}

	r.Unlock()

	for _, ev := range joined.AccountData.Events {
		ev.RoomID = roomID
		b.add(bridge.TypeAccountData, &bridge.AccountDataEvent{RoomID: roomID, Event: ev})
	}
}

func (s *Syncer) handleLeave(roomID id.RoomID, left *mautrix.SyncLeftRoom, b *batch) {
	r, _ := s.ensureRoom(roomID)

	r.Lock()
	defer r.Unlock()

	for _, ev := range left.State.Events {
		ev.RoomID = roomID
		r.setState(ev)
	}

	s.applyTimeline(r, &left.Timeline, b)

	prev := r.membership
	if prev == event.MembershipLeave || prev == event.MembershipBan {
		return
	}

	reported := event.MembershipLeave
	stored := event.MembershipLeave

	if own := r.state[event.StateMember.Type][string(s.m.userID)]; own != nil {
		membership, _ := own.Content.Raw["membership"].(string)

		switch {
		case event.Membership(membership) == event.MembershipBan:
			reported, stored = event.MembershipBan, event.MembershipBan
		case own.Sender != s.m.userID && own.Sender != "":
			reported = bridge.MembershipKick
		}
	}

	r.membership = stored
	b.add(bridge.TypeMembership, &bridge.MembershipEvent{RoomID: roomID, Membership: reported, Prev: prev})
}

// applyTimeline expects the room lock to be held.
func (s *Syncer) applyTimeline(r *Room, tl *mautrix.SyncTimeline, b *batch) {
	live := r.segments[r.live]

	switch {
	case tl.Limited && len(live.Events) > 0:
		r.startLiveSegment(tl.PrevBatch)
	case len(live.Events) == 0 && live.PrevToken == "":
		live.PrevToken = tl.PrevBatch
	}

	for _, ev := range tl.Events {
		ev.RoomID = r.id

		if ev.StateKey != nil {
			r.setState(ev)

			if s.ownUnban(ev) {
				r.membership = event.MembershipLeave
				b.add(bridge.TypeMembership, &bridge.MembershipEvent{RoomID: r.id, Membership: bridge.MembershipUnban, Prev: event.MembershipBan})
			}

			b.add(bridge.TypeState, &bridge.StateEvent{RoomID: r.id, Event: ev})
		}

		if bridge.IsType(ev, event.EventRedaction) {
			redaction := &bridge.RedactionEvent{RoomID: r.id, Redaction: ev}
			r.redact(ev, redaction.Redacts())
			b.add(bridge.TypeRedaction, redaction)

			continue
		}

		if !r.appendLive(ev) {
			continue
		}

		s.m.cacheEvent(ev)
		b.add(bridge.TypeTimeline, &bridge.TimelineEvent{RoomID: r.id, Event: ev, Live: true})

		if bridge.IsType(ev, event.EventEncrypted) {
			b.decrypt[r.id] = append(b.decrypt[r.id], ev)
		}
	}
}

func (s *Syncer) ownUnban(ev *event.Event) bool {
	if !bridge.IsType(ev, event.StateMember) || *ev.StateKey != string(s.m.userID) || ev.Unsigned.PrevContent == nil {
		return false
	}

	membership, _ := ev.Content.Raw["membership"].(string)
	prev, _ := ev.Unsigned.PrevContent.Raw["membership"].(string)

	return event.Membership(prev) == event.MembershipBan && event.Membership(membership) == event.MembershipLeave
}

func (s *Syncer) applyTyping(r *Room, ev *event.Event, b *batch) {
	current := make(map[id.UserID]struct{})

	if list, ok := ev.Content.Raw["user_ids"].([]interface{}); ok {
		for _, u := range list {
			if us, ok := u.(string); ok {
				current[id.UserID(us)] = struct{}{}
			}
		}
	}

	for userID := range r.typing {
		if _, ok := current[userID]; !ok {
			r.setTyping(userID, false)
			b.add(bridge.TypeTyping, &bridge.TypingEvent{RoomID: r.id, UserID: userID, Typing: false})
		}
	}

	for userID := range current {
		if r.setTyping(userID, true) {
			b.add(bridge.TypeTyping, &bridge.TypingEvent{RoomID: r.id, UserID: userID, Typing: true})
		}
	}
}

func (s *Syncer) applyReceipts(r *Room, ev *event.Event, b *batch) {
	for eventID, v := range ev.Content.Raw {
		types, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		for receiptType, users := range types {
			if receiptType != "m.read" && receiptType != "m.read.private" {
				continue
			}

			userMap, ok := users.(map[string]interface{})
			if !ok {
				continue
			}

			for userID := range userMap {
				r.receipts[id.UserID(userID)] = id.EventID(eventID)
				b.add(bridge.TypeReceipt, &bridge.ReceiptEvent{
					RoomID:      r.id,
					EventID:     id.EventID(eventID),
					UserID:      id.UserID(userID),
					ReceiptType: receiptType,
				})
			}
		}
	}
}
