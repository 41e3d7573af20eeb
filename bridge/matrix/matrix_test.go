package matrix

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/42wim/mxstate/bridge"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const me = id.UserID("@me:x")

const firstBatch = `{"next_batch":"s1",
 "account_data":{"events":[{"type":"m.direct","content":{"@bob:x":["!dm:x"]}}]},
 "rooms":{
  "join":{"!a:x":{
   "state":{"events":[{"type":"m.room.create","state_key":"","sender":"@me:x","event_id":"$c","content":{}}]},
   "timeline":{"events":[
     {"type":"m.room.message","sender":"@bob:x","event_id":"$1","origin_server_ts":1,"content":{"body":"hi"}},
     {"type":"m.room.encrypted","sender":"@bob:x","event_id":"$2","origin_server_ts":2,"content":{"algorithm":"m.megolm.v1.aes-sha2"}}
   ],"limited":false,"prev_batch":"p1"},
   "ephemeral":{"events":[
     {"type":"m.typing","content":{"user_ids":["@bob:x"]}},
     {"type":"m.receipt","content":{"$1":{"m.read":{"@bob:x":{"ts":1}}}}}
   ]},
   "unread_notifications":{"notification_count":2,"highlight_count":1}}},
  "invite":{"!inv:x":{"invite_state":{"events":[
   {"type":"m.room.member","state_key":"@me:x","sender":"@bob:x","content":{"membership":"invite","is_direct":true}}]}}}}}
`

const kickBatch = `{"next_batch":"s2","rooms":{"leave":{"!a:x":{"timeline":{"events":[
 {"type":"m.room.member","state_key":"@me:x","sender":"@bob:x","event_id":"$k","content":{"membership":"leave"}}]}}}}}
`

const limitedBatch = `{"next_batch":"s2","rooms":{"join":{"!a:x":{"timeline":{"events":[
 {"type":"m.room.message","sender":"@bob:x","event_id":"$9","content":{"body":"later"}}],"limited":true,"prev_batch":"p9"}}}}}
`

type recorder struct {
	events []*bridge.Event
}

func (r *recorder) handle(ev *bridge.Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	res := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		res = append(res, ev.Type)
	}

	return res
}

type fakeBackfiller struct {
	pages   map[string]*Messages
	context *EventContext
	err     error
}

func (f *fakeBackfiller) RoomMessages(_ context.Context, _ id.RoomID, from string, _ bridge.Direction, _ int) (*Messages, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.pages[from], nil
}

func (f *fakeBackfiller) EventContext(_ context.Context, _ id.RoomID, _ id.EventID, _ int) (*EventContext, error) {
	if f.context == nil {
		return nil, bridge.ErrEventNotFound
	}

	return f.context, nil
}

type fakeDecrypter struct{}

func (fakeDecrypter) DecryptEvent(_ context.Context, ev *event.Event) (*event.Event, error) {
	if ev.ID == "$bad" {
		return nil, errors.New("no session")
	}

	return &event.Event{
		ID:      ev.ID,
		Sender:  ev.Sender,
		Type:    event.EventMessage,
		Content: event.Content{Raw: map[string]interface{}{"body": "secret"}},
	}, nil
}

func newTestMatrix(t *testing.T, batches ...string) (*Matrix, *recorder) {
	t.Helper()

	m := New(viper.New(), me)
	rec := &recorder{}
	m.Subscribe(rec.handle)

	err := m.Run(context.Background(), NewReplaySource(strings.NewReader(strings.Join(batches, "\n"))))
	require.NoError(t, err)

	return m, rec
}

func msg(eventID string) *event.Event {
	return &event.Event{ID: id.EventID(eventID), Type: event.EventMessage, Sender: "@bob:x", Content: event.Content{Raw: map[string]interface{}{}}}
}

func TestSyncPopulatesStore(t *testing.T) {
	m, rec := newTestMatrix(t, firstBatch)

	assert.Equal(t, map[id.UserID][]id.RoomID{"@bob:x": {"!dm:x"}}, m.DirectRooms())

	room := m.GetRoom("!a:x")
	require.NotNil(t, room)
	assert.Equal(t, event.MembershipJoin, room.Membership())
	assert.False(t, room.IsSpace())
	assert.Equal(t, 2, room.UnreadCount(bridge.CountTotal))
	assert.Equal(t, 1, room.UnreadCount(bridge.CountHighlight))
	assert.Equal(t, id.EventID("$1"), room.ReadUpTo("@bob:x"))

	live, ok := room.Segment(room.LiveSegment())
	require.True(t, ok)
	assert.Equal(t, "p1", live.PrevToken)
	assert.Len(t, live.Events, 2)

	invite := m.GetRoom("!inv:x")
	require.NotNil(t, invite)
	assert.Equal(t, event.MembershipInvite, invite.Membership())
	assert.NotNil(t, invite.StateEvent(event.StateMember, string(me)))

	assert.Nil(t, m.GetRoom("!unknown:x"))

	assert.Contains(t, rec.types(), bridge.TypeTyping)
	assert.Contains(t, rec.types(), bridge.TypeReceipt)
	assert.Equal(t, bridge.TypeAccountData, rec.types()[0])
}

func TestSyncKick(t *testing.T) {
	m, rec := newTestMatrix(t, firstBatch, kickBatch)

	assert.Equal(t, event.MembershipLeave, m.GetRoom("!a:x").Membership())

	var last *bridge.MembershipEvent

	for _, ev := range rec.events {
		if ev.Type == bridge.TypeMembership {
			last = ev.Data.(*bridge.MembershipEvent)
		}
	}

	require.NotNil(t, last)
	assert.Equal(t, bridge.MembershipKick, last.Membership)
	assert.Equal(t, event.MembershipJoin, last.Prev)
}

func TestLimitedSyncStartsNewLiveSegment(t *testing.T) {
	m, _ := newTestMatrix(t, firstBatch)
	room := m.GetRoom("!a:x")
	before := room.LiveSegment()

	require.NoError(t, m.Run(context.Background(), NewReplaySource(strings.NewReader(limitedBatch))))

	after := room.LiveSegment()
	assert.NotEqual(t, before, after)

	live, _ := room.Segment(after)
	assert.Equal(t, "p9", live.PrevToken)
	assert.Len(t, live.Events, 1)
	assert.Equal(t, []bridge.SegmentID{after}, room.LinkedSegments(after))
}

func TestPaginateAndLink(t *testing.T) {
	m, _ := newTestMatrix(t, firstBatch)
	bf := &fakeBackfiller{pages: map[string]*Messages{
		"p1":    {Chunk: []*event.Event{msg("$0b"), msg("$0a")}, End: "p0"},
		"e-old": {Chunk: []*event.Event{msg("$y"), msg("$0a"), msg("$0b")}, End: "e-next"},
	}}
	m.SetBackfiller(bf)

	rec := &recorder{}
	m.Subscribe(rec.handle, bridge.TypeTimeline)

	room := m.GetRoom("!a:x")
	live := room.LiveSegment()

	require.NoError(t, m.Paginate(context.Background(), "!a:x", live, bridge.Backward, 10))

	seg, _ := room.Segment(live)
	require.Len(t, seg.Events, 4)
	assert.Equal(t, id.EventID("$0a"), seg.Events[0].ID)
	assert.Equal(t, id.EventID("$0b"), seg.Events[1].ID)
	assert.Equal(t, "p0", seg.PrevToken)
	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[0].Data.(*bridge.TimelineEvent).ToStart)
	assert.False(t, rec.events[0].Data.(*bridge.TimelineEvent).Live)

	bf.context = &EventContext{Event: msg("$old"), Start: "s-old", End: "e-old"}
	old, err := m.ResolveTimelineSegment(context.Background(), "!a:x", "$old")
	require.NoError(t, err)
	assert.NotEqual(t, live, old)

	require.NoError(t, m.Paginate(context.Background(), "!a:x", old, bridge.Forward, 10))

	assert.Equal(t, []bridge.SegmentID{old, live}, room.LinkedSegments(live))
	oldSeg, _ := room.Segment(old)
	assert.Equal(t, "", oldSeg.NextToken)
	assert.Len(t, oldSeg.Events, 2)

	// already materialized events resolve to their segment
	found, err := m.ResolveTimelineSegment(context.Background(), "!a:x", "$1")
	require.NoError(t, err)
	assert.Equal(t, live, found)
}

func TestPaginateErrors(t *testing.T) {
	m, _ := newTestMatrix(t, firstBatch)
	room := m.GetRoom("!a:x")

	err := m.Paginate(context.Background(), "!nope:x", "x", bridge.Backward, 10)
	assert.ErrorIs(t, err, bridge.ErrRoomNotFound)

	m.SetBackfiller(&fakeBackfiller{err: errors.New("offline")})
	err = m.Paginate(context.Background(), "!a:x", room.LiveSegment(), bridge.Backward, 10)
	assert.ErrorContains(t, err, "offline")

	_, err = m.ResolveTimelineSegment(context.Background(), "!a:x", "$missing")
	assert.ErrorIs(t, err, bridge.ErrEventNotFound)
}

func TestDecryptAfterTimeline(t *testing.T) {
	m := New(viper.New(), me)
	m.SetDecrypter(fakeDecrypter{})

	rec := &recorder{}
	m.Subscribe(rec.handle, bridge.TypeTimeline, bridge.TypeDecrypted)

	require.NoError(t, m.Run(context.Background(), NewReplaySource(strings.NewReader(firstBatch))))

	assert.Equal(t, []string{bridge.TypeTimeline, bridge.TypeTimeline, bridge.TypeDecrypted}, rec.types())

	dec := m.FindEvent("!a:x", "$2")
	require.NotNil(t, dec)
	assert.Equal(t, "m.room.message", dec.Type.Type)

	bad := &event.Event{ID: "$bad", Type: event.EventEncrypted}
	assert.Error(t, m.Decrypt(context.Background(), "!a:x", []*event.Event{bad}))
}

func TestReplayCorrupt(t *testing.T) {
	m := New(viper.New(), me)

	err := m.Run(context.Background(), NewReplaySource(strings.NewReader(firstBatch+"{broken")))
	assert.ErrorIs(t, err, ErrCorruptReplay)
	assert.NotNil(t, m.GetRoom("!a:x"))
}
