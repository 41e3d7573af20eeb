package bridge

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrEventNotFound = errors.New("event not found")
)

// Client is the protocol client the state layer consumes. Implementations
// publish room-scoped notifications (see the Type* constants in events.go)
// to subscribers and must never publish while holding their own locks.
type Client interface {
	UserID() id.UserID

	GetRoom(roomID id.RoomID) Room
	GetRooms() []Room

	// DirectRooms returns the m.direct account data, user id to room ids.
	DirectRooms() map[id.UserID][]id.RoomID
	PushRules() *pushrules.PushRuleset

	FindEvent(roomID id.RoomID, eventID id.EventID) *event.Event

	Paginate(ctx context.Context, roomID id.RoomID, segID SegmentID, dir Direction, limit int) error
	ResolveTimelineSegment(ctx context.Context, roomID id.RoomID, eventID id.EventID) (SegmentID, error)
	// Decrypt attempts decryption of the encrypted events among events.
	// Failures are per event and leave the event encrypted.
	Decrypt(ctx context.Context, roomID id.RoomID, events []*event.Event) error

	Subscribe(h Handler, types ...string) *Subscription
	Unsubscribe(s *Subscription) bool
}

type Room interface {
	ID() id.RoomID
	IsSpace() bool
	IsEncrypted() bool
	Membership() event.Membership

	StateEvents(evType event.Type) []*event.Event
	StateEvent(evType event.Type, stateKey string) *event.Event

	LiveSegment() SegmentID
	Segment(segID SegmentID) (Segment, bool)
	// LinkedSegments returns the chain of segments linked to segID,
	// oldest first. segID itself is always part of the result when known.
	LinkedSegments(segID SegmentID) []SegmentID

	ReadUpTo(userID id.UserID) id.EventID
	ReadReceipts() map[id.UserID]id.EventID
	UnreadCount(kind CountKind) int
}

type Direction int

const (
	Backward Direction = iota
	Forward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}

	return "forward"
}

type CountKind int

const (
	CountTotal CountKind = iota
	CountHighlight
)

type SegmentID string

// Segment is a contiguous run of room events, oldest first. An empty token
// means there is nothing more to fetch in that direction.
type Segment struct {
	ID        SegmentID
	Events    []*event.Event
	PrevToken string
	NextToken string
}

func (s Segment) Token(dir Direction) string {
	if dir == Backward {
		return s.PrevToken
	}

	return s.NextToken
}

// Membership values beyond the ones the protocol puts on the wire. A kick
// is a leave sent by somebody else; unban is a ban lifted to leave.
const (
	MembershipKick  event.Membership = "kick"
	MembershipUnban event.Membership = "unban"
)

// IsType compares event types by name only; events decoded from the wire
// do not always carry the class of the constants in the event package.
func IsType(ev *event.Event, t event.Type) bool {
	return ev != nil && ev.Type.Type == t.Type
}

type Relation struct {
	RelType event.RelationType `json:"rel_type"`
	EventID id.EventID         `json:"event_id"`
}

// RelatesTo decodes the m.relates_to block of ev. ok is false when the
// block is missing or malformed.
func RelatesTo(ev *event.Event) (Relation, bool) {
	raw, ok := ev.Content.Raw["m.relates_to"]
	if !ok {
		return Relation{}, false
	}

	var rel Relation
	if err := Decode(raw, &rel); err != nil {
		return Relation{}, false
	}

	return rel, true
}

func IsEdit(ev *event.Event) bool {
	rel, ok := RelatesTo(ev)

	return ok && rel.RelType == event.RelReplace
}
