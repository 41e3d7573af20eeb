package timeline

import (
	"github.com/42wim/mxstate/bridge"
	"github.com/davecgh/go-spew/spew"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var supportedTypes = map[string]struct{}{
	event.StateCreate.Type:    {},
	event.EventMessage.Type:   {},
	event.EventEncrypted.Type: {},
	event.StateMember.Type:    {},
	event.EventSticker.Type:   {},
	event.EventReaction.Type:  {},
}

func isReaction(ev *event.Event) bool {
	return bridge.IsType(ev, event.EventReaction)
}

func (e *Engine) hideMember(ev *event.Event) bool {
	if !e.opts.HideMembership && !e.opts.HideNickAvatar {
		return false
	}

	membership, _ := ev.Content.Raw["membership"].(string)

	var prev string
	if ev.Unsigned.PrevContent != nil {
		prev, _ = ev.Unsigned.PrevContent.Raw["membership"].(string)
	}

	if e.opts.HideMembership {
		switch event.Membership(membership) {
		case event.MembershipInvite, event.MembershipBan, event.MembershipLeave:
			return true
		}

		if event.Membership(prev) != event.MembershipJoin {
			return true
		}
	}

	if e.opts.HideNickAvatar && event.Membership(membership) == event.MembershipJoin && event.Membership(prev) == event.MembershipJoin {
		return true
	}

	return false
}

func drop(ev *event.Event, reason string) bool {
	droppedEvents.WithLabelValues(reason).Inc()

	if ev != nil {
		logger.Tracef("dropping %s (%s)", ev.ID, reason)
	}

	return false
}

// addToMap appends ev to the list keyed by target unless it is there already.
func addToMap(m map[id.EventID][]*event.Event, target id.EventID, ev *event.Event) bool {
	for _, existing := range m[target] {
		if existing.ID == ev.ID {
			return false
		}
	}

	m[target] = append(m[target], ev)

	return true
}

// addEvent runs ev through the materialization pipeline and reports
// whether it was taken into the timeline or one of the side maps. The
// engine lock must be held.
func (e *Engine) addEvent(ev *event.Event) bool {
	if ev == nil || ev.ID == "" {
		return drop(ev, "malformed")
	}

	if _, ok := supportedTypes[ev.Type.Type]; !ok {
		return drop(ev, "unsupported")
	}

	if ev.Unsigned.RedactedBecause != nil {
		return drop(ev, "redacted")
	}

	if bridge.IsType(ev, event.StateMember) && e.hideMember(ev) {
		return drop(ev, "hidden")
	}

	if isReaction(ev) {
		rel, ok := bridge.RelatesTo(ev)
		if !ok || rel.EventID == "" {
			return drop(ev, "malformed")
		}

		return addToMap(e.reactions, rel.EventID, ev) || drop(ev, "duplicate")
	}

	if rel, ok := bridge.RelatesTo(ev); ok && rel.RelType == event.RelReplace {
		if rel.EventID == "" {
			return drop(ev, "malformed")
		}

		return addToMap(e.edits, rel.EventID, ev) || drop(ev, "duplicate")
	}

	if _, ok := e.seen[ev.ID]; ok {
		return drop(ev, "duplicate")
	}

	e.seen[ev.ID] = struct{}{}
	e.timeline = append(e.timeline, ev)

	return true
}

func (e *Engine) handle(ev *bridge.Event) {
	switch data := ev.Data.(type) {
	case *bridge.TimelineEvent:
		if data.RoomID == e.roomID {
			e.handleTimeline(data)
		}
	case *bridge.DecryptedEvent:
		if data.RoomID == e.roomID {
			e.handleDecrypted(data.Event)
		}
	case *bridge.RedactionEvent:
		if data.RoomID == e.roomID {
			e.handleRedaction(data)
		}
	case *bridge.TypingEvent:
		if data.RoomID == e.roomID {
			e.handleTyping(data)
		}
	case *bridge.ReceiptEvent:
		if data.RoomID == e.roomID {
			e.handleReceipt(data)
		}
	case *bridge.MembershipEvent:
		if data.RoomID == e.roomID {
			switch data.Membership {
			case event.MembershipLeave, event.MembershipBan, bridge.MembershipKick:
				e.Detach()
			}
		}
	}
}

func (e *Engine) handleTimeline(data *bridge.TimelineEvent) {
	ev := data.Event

	e.Lock()

	// history arrives through pagination and is picked up by the rebuild
	if e.state != StateReady || !data.Live || ev == nil {
		e.Unlock()
		return
	}

	if !e.servingLive() && !isReaction(ev) && !bridge.IsEdit(ev) {
		e.Unlock()
		return
	}

	if bridge.IsType(ev, event.EventEncrypted) {
		if _, held := e.pending[ev.ID]; !held {
			e.pending[ev.ID] = struct{}{}
			heldEncrypted.Inc()
		}

		e.Unlock()

		return
	}

	added := e.addEvent(ev)
	e.Unlock()

	if added {
		logger.Tracef("live event in %s: %s", e.roomID, spew.Sdump(ev))
		e.bus.Publish(bridge.TypeEvent, &bridge.TimelineChangeEvent{RoomID: e.roomID, Event: ev})
	}
}

func (e *Engine) handleDecrypted(ev *event.Event) {
	if ev == nil {
		return
	}

	e.Lock()

	if e.state == StateDetached {
		e.Unlock()
		return
	}

	_, held := e.pending[ev.ID]
	if held {
		delete(e.pending, ev.ID)
		heldEncrypted.Dec()
	}

	// the rebuild at the end of a load or pagination reads the
	// decrypted copy from the room
	if e.state != StateReady {
		e.Unlock()
		return
	}

	added := false

	switch i := e.index(ev.ID); {
	case i >= 0:
		added = e.replaceAt(i, ev)
	case held:
		added = e.addEvent(ev)
	}

	e.Unlock()

	if added {
		e.bus.Publish(bridge.TypeEvent, &bridge.TimelineChangeEvent{RoomID: e.roomID, Event: ev})
	}
}

// replaceAt swaps the undecryptable entry at i for its decrypted version.
// A decrypted edit or reaction leaves the timeline for its side map.
func (e *Engine) replaceAt(i int, ev *event.Event) bool {
	if !isReaction(ev) && !bridge.IsEdit(ev) && ev.Unsigned.RedactedBecause == nil {
		e.timeline[i] = ev
		return true
	}

	e.removeAt(i)

	return e.addEvent(ev)
}

func (e *Engine) removeAt(i int) *event.Event {
	ev := e.timeline[i]
	delete(e.seen, ev.ID)
	e.timeline = append(e.timeline[:i:i], e.timeline[i+1:]...)

	return ev
}

func removeFromMap(m map[id.EventID][]*event.Event, eventID id.EventID) *event.Event {
	for target, list := range m {
		for i, ev := range list {
			if ev.ID != eventID {
				continue
			}

			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m, target)
			} else {
				m[target] = list
			}

			return ev
		}
	}

	return nil
}

func (e *Engine) handleRedaction(data *bridge.RedactionEvent) {
	target := data.Redacts()
	if target == "" {
		return
	}

	e.Lock()

	if e.state == StateDetached {
		e.Unlock()
		return
	}

	if _, held := e.pending[target]; held {
		delete(e.pending, target)
		heldEncrypted.Dec()
	}

	var removed *event.Event

	if i := e.index(target); i >= 0 {
		removed = e.removeAt(i)
		delete(e.edits, target)
		delete(e.reactions, target)
	} else if removed = removeFromMap(e.reactions, target); removed == nil {
		removed = removeFromMap(e.edits, target)
	}

	e.Unlock()

	if removed == nil {
		return
	}

	e.bus.Publish(bridge.TypeEventRedacted, &bridge.EventRedactedEvent{
		RoomID:    e.roomID,
		Redacted:  removed,
		Redaction: data.Redaction,
	})
}

func (e *Engine) handleTyping(data *bridge.TypingEvent) {
	e.Lock()

	if e.state == StateDetached {
		e.Unlock()
		return
	}

	_, was := e.typing[data.UserID]
	if was == data.Typing {
		e.Unlock()
		return
	}

	if data.Typing {
		e.typing[data.UserID] = struct{}{}
	} else {
		delete(e.typing, data.UserID)
	}

	members := e.typingMembers()
	e.Unlock()

	e.bus.Publish(bridge.TypeTypingChanged, &bridge.TypingChangedEvent{RoomID: e.roomID, UserIDs: members})
}

func (e *Engine) handleReceipt(data *bridge.ReceiptEvent) {
	if data.ReceiptType != "m.read" {
		return
	}

	e.RLock()
	latest := e.state == StateReady && len(e.timeline) > 0 && e.servingLive() &&
		e.timeline[len(e.timeline)-1].ID == data.EventID
	e.RUnlock()

	if latest {
		e.bus.Publish(bridge.TypeLiveReceipt, &bridge.LiveReceiptEvent{RoomID: e.roomID})
	}
}
