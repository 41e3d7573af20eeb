package timeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/42wim/mxstate/bridge"
	"github.com/42wim/mxstate/bridge/bridgetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	me     = id.UserID("@me:x")
	bob    = id.UserID("@bob:x")
	roomID = id.RoomID("!r:x")
)

type recorder struct {
	sync.Mutex
	events []*bridge.Event
}

func (r *recorder) handle(ev *bridge.Event) {
	r.Lock()
	defer r.Unlock()

	r.events = append(r.events, ev)
}

func (r *recorder) of(typ string) []*bridge.Event {
	r.Lock()
	defer r.Unlock()

	var res []*bridge.Event

	for _, ev := range r.events {
		if ev.Type == typ {
			res = append(res, ev)
		}
	}

	return res
}

func msg(eventID string) *event.Event {
	return bridgetest.NewEvent(event.EventMessage, id.EventID(eventID), bob, map[string]interface{}{"body": eventID})
}

func encrypted(eventID string) *event.Event {
	return bridgetest.NewEvent(event.EventEncrypted, id.EventID(eventID), bob, map[string]interface{}{"algorithm": "m.megolm.v1.aes-sha2"})
}

func reaction(eventID, target string) *event.Event {
	return bridgetest.NewEvent(event.EventReaction, id.EventID(eventID), bob, map[string]interface{}{
		"m.relates_to": map[string]interface{}{"rel_type": "m.annotation", "event_id": target, "key": "+1"},
	})
}

func edit(eventID, target string) *event.Event {
	return bridgetest.NewEvent(event.EventMessage, id.EventID(eventID), bob, map[string]interface{}{
		"body":          "* fixed",
		"m.new_content": map[string]interface{}{"body": "fixed"},
		"m.relates_to":  map[string]interface{}{"rel_type": "m.replace", "event_id": target},
	})
}

func member(eventID string, membership, prev event.Membership) *event.Event {
	ev := bridgetest.NewEvent(event.StateMember, id.EventID(eventID), bob, map[string]interface{}{"membership": string(membership)})
	key := string(bob)
	ev.StateKey = &key

	if prev != "" {
		ev.Unsigned.PrevContent = &event.Content{Raw: map[string]interface{}{"membership": string(prev)}}
	}

	return ev
}

func ids(evs []*event.Event) []id.EventID {
	res := make([]id.EventID, 0, len(evs))
	for _, ev := range evs {
		res = append(res, ev.ID)
	}

	return res
}

func newEngine(t *testing.T, opts Options, live ...*event.Event) (*Engine, *bridgetest.Client, *bridgetest.Room, *recorder) {
	t.Helper()

	client := bridgetest.NewClient(me)
	room := client.AddRoom(bridgetest.NewRoom(roomID)).AddLive(live...)

	e, err := New(client, roomID, opts)
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.handle)
	t.Cleanup(e.Detach)

	return e, client, room, rec
}

func publishLive(client *bridgetest.Client, room *bridgetest.Room, ev *event.Event) {
	room.AddLive(ev)
	client.Publish(bridge.TypeTimeline, &bridge.TimelineEvent{RoomID: roomID, Event: ev, Live: true})
}

func TestNewUnknownRoom(t *testing.T) {
	_, err := New(bridgetest.NewClient(me), "!nope:x", Options{})
	assert.ErrorIs(t, err, bridge.ErrRoomNotFound)
}

func TestLoadLiveTimelinePipeline(t *testing.T) {
	redacted := msg("$gone")
	redacted.Unsigned.RedactedBecause = &event.Event{ID: "$redaction"}

	topic := bridgetest.NewStateEvent(event.StateTopic, "", bob, map[string]interface{}{"topic": "t"})
	noID := msg("")
	badReaction := bridgetest.NewEvent(event.EventReaction, "$bad", bob, map[string]interface{}{"m.relates_to": "nope"})

	e, _, _, rec := newEngine(t, Options{},
		bridgetest.NewEvent(event.StateCreate, "$create", bob, nil),
		msg("$1"), reaction("$r1", "$1"), edit("$e1", "$1"), redacted, topic, noID, badReaction,
		msg("$1"), msg("$2"), reaction("$r1", "$1"))

	require.True(t, e.LoadLiveTimeline(context.Background()))

	assert.Equal(t, StateReady, e.State())
	assert.True(t, e.IsServingLiveTimeline())
	assert.Equal(t, []id.EventID{"$create", "$1", "$2"}, ids(e.Events()))
	assert.Equal(t, []id.EventID{"$r1"}, ids(e.Reactions("$1")))
	assert.Equal(t, []id.EventID{"$e1"}, ids(e.Edits("$1")))
	assert.Equal(t, 1, e.EventIndex("$1"))
	assert.Equal(t, -1, e.EventIndex("$e1"))
	assert.False(t, e.CanPaginateBackward())
	assert.False(t, e.CanPaginateForward())

	ready := rec.of(bridge.TypeReady)
	require.Len(t, ready, 1)
	assert.Equal(t, id.EventID(""), ready[0].Data.(*bridge.ReadyEvent).AnchorEventID)
}

func TestMembershipVisibility(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []id.EventID
	}{
		{"show all", Options{}, []id.EventID{"$join", "$nick", "$leave", "$invite"}},
		{"hide membership", Options{HideMembership: true}, []id.EventID{"$nick"}},
		{"hide nick and avatar", Options{HideNickAvatar: true}, []id.EventID{"$join", "$leave", "$invite"}},
		{"hide both", Options{HideMembership: true, HideNickAvatar: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, _ := newEngine(t, tt.opts,
				member("$join", event.MembershipJoin, ""),
				member("$nick", event.MembershipJoin, event.MembershipJoin),
				member("$leave", event.MembershipLeave, event.MembershipJoin),
				member("$invite", event.MembershipInvite, ""))

			require.True(t, e.LoadLiveTimeline(context.Background()))
			assert.Equal(t, tt.want, nilIfEmpty(ids(e.Events())))
		})
	}
}

func nilIfEmpty(in []id.EventID) []id.EventID {
	if len(in) == 0 {
		return nil
	}

	return in
}

func TestPaginateGuard(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$3"))
	room.SetToken(bridgetest.LiveSegment, bridge.Backward, "t1")

	release := make(chan struct{})
	client.PaginateFunc = func(ctx context.Context, _ id.RoomID, segID bridge.SegmentID, dir bridge.Direction, limit int) error {
		<-release
		room.Prepend(segID, msg("$1"), edit("$e", "$1"), msg("$2"))
		room.SetToken(segID, dir, "")

		return nil
	}

	require.True(t, e.LoadLiveTimeline(context.Background()))
	assert.True(t, e.CanPaginateBackward())

	type result struct {
		ok     bool
		loaded int
	}

	done := make(chan result)

	go func() {
		ok, loaded := e.Paginate(context.Background(), bridge.Backward, 10)
		done <- result{ok, loaded}
	}()

	require.Eventually(t, func() bool { return client.PaginateCalls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatePaginating, e.State())

	ok, loaded := e.Paginate(context.Background(), bridge.Backward, 10)
	assert.False(t, ok)
	assert.Zero(t, loaded)
	assert.Equal(t, int32(1), client.PaginateCalls.Load())

	close(release)

	res := <-done
	assert.True(t, res.ok)
	assert.Equal(t, 2, res.loaded)
	assert.Equal(t, []id.EventID{"$1", "$2", "$3"}, ids(e.Events()))
	assert.Equal(t, StateReady, e.State())

	paginated := rec.of(bridge.TypePaginated)
	require.Len(t, paginated, 1)
	assert.Equal(t, 2, paginated[0].Data.(*bridge.PaginatedEvent).Loaded)

	// the start of history has been reached
	ok, loaded = e.Paginate(context.Background(), bridge.Backward, 10)
	assert.False(t, ok)
	assert.Zero(t, loaded)
	assert.Equal(t, int32(1), client.PaginateCalls.Load())
	assert.False(t, e.CanPaginateBackward())
	assert.Len(t, rec.of(bridge.TypePaginated), 2)
}

func TestPaginateForwardOnLiveIsExhausted(t *testing.T) {
	e, client, _, _ := newEngine(t, Options{}, msg("$1"))

	require.True(t, e.LoadLiveTimeline(context.Background()))

	ok, _ := e.Paginate(context.Background(), bridge.Forward, 10)
	assert.False(t, ok)
	assert.Zero(t, client.PaginateCalls.Load())
}

func TestPaginateError(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$1"))
	room.SetToken(bridgetest.LiveSegment, bridge.Backward, "t1")
	client.PaginateFunc = func(context.Context, id.RoomID, bridge.SegmentID, bridge.Direction, int) error {
		return errors.New("timeout")
	}

	require.True(t, e.LoadLiveTimeline(context.Background()))

	ok, loaded := e.Paginate(context.Background(), bridge.Backward, 10)
	assert.False(t, ok)
	assert.Zero(t, loaded)
	assert.Equal(t, StateReady, e.State())
	assert.True(t, e.CanPaginateBackward())
	assert.Len(t, rec.of(bridge.TypePaginated), 1)
}

func TestPaginateDiscardedAfterDetach(t *testing.T) {
	e, client, room, _ := newEngine(t, Options{}, msg("$2"))
	room.SetToken(bridgetest.LiveSegment, bridge.Backward, "t1")
	client.PaginateFunc = func(_ context.Context, _ id.RoomID, segID bridge.SegmentID, _ bridge.Direction, _ int) error {
		room.Prepend(segID, msg("$1"))
		e.Detach()

		return nil
	}

	require.True(t, e.LoadLiveTimeline(context.Background()))

	ok, loaded := e.Paginate(context.Background(), bridge.Backward, 10)
	assert.False(t, ok)
	assert.Zero(t, loaded)
	assert.Equal(t, []id.EventID{"$2"}, ids(e.Events()))
	assert.Equal(t, StateDetached, e.State())
	assert.False(t, e.LoadLiveTimeline(context.Background()))
}

func TestLiveEvents(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$1"))

	// not loaded yet, nothing subscribed
	publishLive(client, room, msg("$early"))
	require.True(t, e.LoadLiveTimeline(context.Background()))

	publishLive(client, room, msg("$2"))
	client.Publish(bridge.TypeTimeline, &bridge.TimelineEvent{RoomID: roomID, Event: msg("$old"), ToStart: true})
	client.Publish(bridge.TypeTimeline, &bridge.TimelineEvent{RoomID: "!other:x", Event: msg("$x"), Live: true})
	publishLive(client, room, reaction("$r", "$2"))

	assert.Equal(t, []id.EventID{"$1", "$early", "$2"}, ids(e.Events()))
	assert.Equal(t, []id.EventID{"$r"}, ids(e.Reactions("$2")))
	assert.Len(t, rec.of(bridge.TypeEvent), 2)
}

func TestDecryptionReorderingHazard(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$1"))
	require.True(t, e.LoadLiveTimeline(context.Background()))

	publishLive(client, room, encrypted("$enc"))
	assert.Equal(t, 1, e.PendingDecryptions())
	assert.Equal(t, []id.EventID{"$1"}, ids(e.Events()))

	// a later plaintext event overtakes the one still decrypting
	publishLive(client, room, msg("$plain"))

	dec := msg("$enc")
	room.Replace(dec)
	client.Publish(bridge.TypeDecrypted, &bridge.DecryptedEvent{RoomID: roomID, Event: dec})

	assert.Zero(t, e.PendingDecryptions())
	assert.Equal(t, []id.EventID{"$1", "$plain", "$enc"}, ids(e.Events()))
	assert.Len(t, rec.of(bridge.TypeEvent), 2)
}

func TestHeldEventsStayOutOfRebuild(t *testing.T) {
	e, client, room, _ := newEngine(t, Options{}, msg("$1"))
	room.SetToken(bridgetest.LiveSegment, bridge.Backward, "t1")
	client.PaginateFunc = func(_ context.Context, _ id.RoomID, segID bridge.SegmentID, dir bridge.Direction, _ int) error {
		room.Prepend(segID, msg("$0"))
		room.SetToken(segID, dir, "")

		return nil
	}

	require.True(t, e.LoadLiveTimeline(context.Background()))
	publishLive(client, room, encrypted("$enc"))

	ok, loaded := e.Paginate(context.Background(), bridge.Backward, 10)
	require.True(t, ok)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, []id.EventID{"$0", "$1"}, ids(e.Events()))
	assert.Equal(t, 1, e.PendingDecryptions())
}

func TestDecryptOnLoad(t *testing.T) {
	e, client, room, _ := newEngine(t, Options{}, encrypted("$enc"), encrypted("$edit"))
	room.SetEncrypted(true)
	client.DecryptFunc = func(_ context.Context, _ id.RoomID, evs []*event.Event) error {
		for _, ev := range evs {
			if ev.ID == "$edit" {
				room.Replace(edit("$edit", "$enc"))
			} else {
				room.Replace(msg(string(ev.ID)))
			}
		}

		return nil
	}

	require.True(t, e.LoadLiveTimeline(context.Background()))
	assert.Equal(t, int32(1), client.DecryptCalls.Load())
	assert.Equal(t, []id.EventID{"$enc"}, ids(e.Events()))
	assert.Equal(t, "m.room.message", e.Events()[0].Type.Type)
	assert.Equal(t, []id.EventID{"$edit"}, ids(e.Edits("$enc")))
}

func TestRedaction(t *testing.T) {
	e, client, _, rec := newEngine(t, Options{},
		msg("$1"), msg("$2"), msg("$3"),
		reaction("$r1", "$1"), reaction("$r2", "$1"), edit("$e2", "$2"), reaction("$r3", "$3"))
	require.True(t, e.LoadLiveTimeline(context.Background()))

	redact := func(target string) {
		client.Publish(bridge.TypeRedaction, &bridge.RedactionEvent{RoomID: roomID, Redaction: &event.Event{ID: id.EventID("$x" + target), Redacts: id.EventID(target)}})
	}

	// a reaction only leaves its side map
	redact("$r1")
	assert.Equal(t, []id.EventID{"$1", "$2", "$3"}, ids(e.Events()))
	assert.Equal(t, []id.EventID{"$r2"}, ids(e.Reactions("$1")))

	// an edit only leaves its side map
	redact("$e2")
	assert.Equal(t, []id.EventID{"$1", "$2", "$3"}, ids(e.Events()))
	assert.Empty(t, e.Edits("$2"))

	// a top-level entry goes alone, with whatever was keyed on it
	redact("$1")
	assert.Equal(t, []id.EventID{"$2", "$3"}, ids(e.Events()))
	assert.Empty(t, e.Reactions("$1"))
	assert.Equal(t, []id.EventID{"$r3"}, ids(e.Reactions("$3")))

	redact("$unknown")

	redacted := rec.of(bridge.TypeEventRedacted)
	require.Len(t, redacted, 3)
	assert.Equal(t, id.EventID("$1"), redacted[2].Data.(*bridge.EventRedactedEvent).Redacted.ID)
}

func TestNoDuplicatesAndNoSideMapEntriesInTimeline(t *testing.T) {
	e, _, _, _ := newEngine(t, Options{})

	r := rand.New(rand.NewSource(1))

	e.Lock()
	defer e.Unlock()

	for i := 0; i < 2000; i++ {
		n := r.Intn(30)
		target := fmt.Sprintf("$m%d", r.Intn(30))

		switch r.Intn(4) {
		case 0:
			e.addEvent(reaction(fmt.Sprintf("$r%d", n), target))
		case 1:
			e.addEvent(edit(fmt.Sprintf("$e%d", n), target))
		default:
			e.addEvent(msg(fmt.Sprintf("$m%d", n)))
		}
	}

	top := map[id.EventID]bool{}

	for _, ev := range e.timeline {
		assert.False(t, top[ev.ID], "duplicate %s", ev.ID)
		top[ev.ID] = true
	}

	for _, m := range []map[id.EventID][]*event.Event{e.edits, e.reactions} {
		for _, list := range m {
			inList := map[id.EventID]bool{}

			for _, ev := range list {
				assert.False(t, top[ev.ID], "%s in timeline and side map", ev.ID)
				assert.False(t, inList[ev.ID], "duplicate %s in side map", ev.ID)
				inList[ev.ID] = true
			}
		}
	}

	assert.NotEmpty(t, e.timeline)
	assert.NotEmpty(t, e.edits)
	assert.NotEmpty(t, e.reactions)
}

func TestLoadEventTimeline(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$live"))
	room.AddSegment(bridge.Segment{ID: "old", Events: []*event.Event{msg("$a"), msg("$b")}, PrevToken: "p", NextToken: "n"}, false)

	assert.False(t, e.LoadEventTimeline(context.Background(), "$missing"))
	assert.Equal(t, StateIdle, e.State())

	require.True(t, e.LoadEventTimeline(context.Background(), "$b"))
	assert.False(t, e.IsServingLiveTimeline())
	assert.True(t, e.CanPaginateForward())
	assert.True(t, e.CanPaginateBackward())
	assert.Equal(t, []id.EventID{"$a", "$b"}, ids(e.Events()))
	assert.Equal(t, 1, e.UnreadEventIndex("$a"))
	assert.Equal(t, -1, e.UnreadEventIndex("$b"))
	assert.Equal(t, -1, e.UnreadEventIndex("$zzz"))

	ready := rec.of(bridge.TypeReady)
	require.Len(t, ready, 1)
	assert.Equal(t, id.EventID("$b"), ready[0].Data.(*bridge.ReadyEvent).AnchorEventID)

	// away from the live end only reactions and edits get in
	publishLive(client, room, msg("$new"))
	publishLive(client, room, reaction("$r", "$a"))
	assert.Equal(t, []id.EventID{"$a", "$b"}, ids(e.Events()))
	assert.Equal(t, []id.EventID{"$r"}, ids(e.Reactions("$a")))

	// a failed lookup keeps the current window
	client.ResolveFunc = func(context.Context, id.RoomID, id.EventID) (bridge.SegmentID, error) {
		return "", bridge.ErrEventNotFound
	}
	assert.False(t, e.LoadEventTimeline(context.Background(), "$live"))
	assert.Equal(t, []id.EventID{"$a", "$b"}, ids(e.Events()))

	client.ResolveFunc = nil
	require.True(t, e.LoadEventTimeline(context.Background(), "$live"))
	assert.True(t, e.IsServingLiveTimeline())
}

func TestForwardPaginationReachesLive(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$1"))
	room.AddSegment(bridge.Segment{ID: "old", Events: []*event.Event{msg("$a"), msg("$b")}, NextToken: "n"}, false)

	client.PaginateFunc = func(_ context.Context, _ id.RoomID, segID bridge.SegmentID, dir bridge.Direction, _ int) error {
		room.AddSegment(bridge.Segment{ID: segID, Events: []*event.Event{msg("$a"), msg("$b"), msg("$y")}}, false)
		room.Link(segID)

		return nil
	}

	require.True(t, e.LoadEventTimeline(context.Background(), "$b"))
	assert.False(t, e.IsServingLiveTimeline())
	assert.True(t, e.CanPaginateForward())

	ok, loaded := e.Paginate(context.Background(), bridge.Forward, 10)
	require.True(t, ok)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, []id.EventID{"$a", "$b", "$y", "$1"}, ids(e.Events()))
	assert.True(t, e.IsServingLiveTimeline())
	assert.False(t, e.CanPaginateForward())

	publishLive(client, room, msg("$new"))
	assert.Equal(t, []id.EventID{"$a", "$b", "$y", "$1", "$new"}, ids(e.Events()))
	require.Len(t, rec.of(bridge.TypeEvent), 1)

	ok, _ = e.Paginate(context.Background(), bridge.Forward, 10)
	assert.False(t, ok)
	assert.Equal(t, int32(1), client.PaginateCalls.Load())
}

func TestTypingReceiptsAndReaders(t *testing.T) {
	e, client, room, rec := newEngine(t, Options{}, msg("$1"), msg("$2"))
	require.True(t, e.LoadLiveTimeline(context.Background()))

	client.Publish(bridge.TypeTyping, &bridge.TypingEvent{RoomID: roomID, UserID: bob, Typing: true})
	client.Publish(bridge.TypeTyping, &bridge.TypingEvent{RoomID: roomID, UserID: bob, Typing: true})
	client.Publish(bridge.TypeTyping, &bridge.TypingEvent{RoomID: roomID, UserID: "@carol:x", Typing: true})
	assert.Equal(t, []id.UserID{bob, "@carol:x"}, e.TypingMembers())

	client.Publish(bridge.TypeTyping, &bridge.TypingEvent{RoomID: roomID, UserID: bob, Typing: false})
	assert.Equal(t, []id.UserID{"@carol:x"}, e.TypingMembers())
	assert.Len(t, rec.of(bridge.TypeTypingChanged), 3)

	client.Publish(bridge.TypeReceipt, &bridge.ReceiptEvent{RoomID: roomID, EventID: "$1", UserID: bob, ReceiptType: "m.read"})
	assert.Empty(t, rec.of(bridge.TypeLiveReceipt))

	room.SetReceipt(bob, "$2")
	room.SetReceipt(me, "$2")
	room.SetReceipt("@carol:x", "$1")
	client.Publish(bridge.TypeReceipt, &bridge.ReceiptEvent{RoomID: roomID, EventID: "$2", UserID: bob, ReceiptType: "m.read"})
	assert.Len(t, rec.of(bridge.TypeLiveReceipt), 1)
	assert.Equal(t, []id.UserID{bob}, e.LiveReaders())
}

func TestOwnLeaveDetaches(t *testing.T) {
	e, client, room, _ := newEngine(t, Options{}, msg("$1"))
	require.True(t, e.LoadLiveTimeline(context.Background()))

	client.Publish(bridge.TypeMembership, &bridge.MembershipEvent{RoomID: roomID, Membership: bridge.MembershipKick, Prev: event.MembershipJoin})
	assert.Equal(t, StateDetached, e.State())
	assert.Equal(t, 0, client.Len())

	publishLive(client, room, msg("$2"))
	assert.Equal(t, []id.EventID{"$1"}, ids(e.Events()))
}

func TestSetOptionsRebuilds(t *testing.T) {
	e, _, _, rec := newEngine(t, Options{}, msg("$1"), member("$join", event.MembershipJoin, ""))

	require.NoError(t, e.SetOptions(Options{HideMembership: true}))
	assert.Empty(t, rec.of(bridge.TypeReady))

	require.True(t, e.LoadLiveTimeline(context.Background()))
	assert.Equal(t, []id.EventID{"$1"}, ids(e.Events()))

	require.NoError(t, e.SetOptions(Options{}))
	assert.Equal(t, []id.EventID{"$1", "$join"}, ids(e.Events()))
	assert.Len(t, rec.of(bridge.TypeReady), 2)

	e.Detach()
	assert.ErrorIs(t, e.SetOptions(Options{}), ErrDetached)
}
