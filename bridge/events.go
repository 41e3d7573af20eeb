package bridge

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Notifications published by a Client.
const (
	TypeTimeline    = "timeline"
	TypeRedaction   = "redaction"
	TypeDecrypted   = "decrypted"
	TypeTyping      = "typing"
	TypeReceipt     = "receipt"
	TypeAccountData = "account_data"
	TypeMembership  = "membership"
	TypeState       = "state"
	TypeRoomAdded   = "room_added"
)

// Notifications published by the state layer to the rendering side.
const (
	TypeEvent              = "event"
	TypeEventRedacted      = "event_redacted"
	TypePaginated          = "paginated"
	TypeReady              = "ready"
	TypeTypingChanged      = "typing_changed"
	TypeLiveReceipt        = "live_receipt"
	TypeRoomListUpdated    = "roomlist_updated"
	TypeInviteListUpdated  = "invitelist_updated"
	TypeRoomProfileUpdated = "room_profile_updated"
	TypeRoomJoined         = "room_joined"
	TypeRoomLeft           = "room_left"
	TypeRoomCreated        = "room_created"
	TypeNotiChanged        = "noti_changed"
	TypeFullyRead          = "fully_read"
	TypeMuteToggled        = "mute_toggled"
	TypeBadgeChanged       = "badge_changed"
)

type Event struct {
	Type string
	Data interface{}
}

type TimelineEvent struct {
	RoomID  id.RoomID
	Event   *event.Event
	Live    bool
	ToStart bool
}

type RedactionEvent struct {
	RoomID    id.RoomID
	Redaction *event.Event
}

// Redacts returns the id of the redacted event. Newer room versions move
// the field into the content.
func (r *RedactionEvent) Redacts() id.EventID {
	if r.Redaction == nil {
		return ""
	}

	if r.Redaction.Redacts != "" {
		return r.Redaction.Redacts
	}

	if v, ok := r.Redaction.Content.Raw["redacts"].(string); ok {
		return id.EventID(v)
	}

	return ""
}

type DecryptedEvent struct {
	RoomID id.RoomID
	Event  *event.Event
}

type TypingEvent struct {
	RoomID id.RoomID
	UserID id.UserID
	Typing bool
}

type ReceiptEvent struct {
	RoomID      id.RoomID
	EventID     id.EventID
	UserID      id.UserID
	ReceiptType string
}

// AccountDataEvent carries global account data when RoomID is empty.
type AccountDataEvent struct {
	RoomID id.RoomID
	Event  *event.Event
}

type MembershipEvent struct {
	RoomID     id.RoomID
	Membership event.Membership
	Prev       event.Membership
}

type StateEvent struct {
	RoomID id.RoomID
	Event  *event.Event
}

type RoomAddedEvent struct {
	RoomID id.RoomID
}

type TimelineChangeEvent struct {
	RoomID id.RoomID
	Event  *event.Event
}

// EventRedactedEvent carries the removed timeline entry, nil when the
// redacted event was not materialized.
type EventRedactedEvent struct {
	RoomID    id.RoomID
	Redacted  *event.Event
	Redaction *event.Event
}

type PaginatedEvent struct {
	RoomID    id.RoomID
	Direction Direction
	Loaded    int
}

// ReadyEvent is sent once a timeline window is materialized. AnchorEventID
// is empty for the live timeline.
type ReadyEvent struct {
	RoomID        id.RoomID
	AnchorEventID id.EventID
}

type TypingChangedEvent struct {
	RoomID  id.RoomID
	UserIDs []id.UserID
}

type LiveReceiptEvent struct {
	RoomID id.RoomID
}

// RoomListEvent is used by every room list notification. RoomID is empty
// for roomlist_updated.
type RoomListEvent struct {
	RoomID id.RoomID
}

// NotiChangedEvent reports a count change. Present is false when the entry
// was deleted, PrevPresent is false when there was no entry before.
type NotiChangedEvent struct {
	RoomID      id.RoomID
	Total       int
	PrevTotal   int
	Present     bool
	PrevPresent bool
}

type FullyReadEvent struct {
	RoomID id.RoomID
}

type MuteToggledEvent struct {
	RoomID id.RoomID
	Muted  bool
}

type BadgeState int

const (
	BadgeClean BadgeState = iota
	BadgeUnread
	BadgeHighlighted
)

func (b BadgeState) String() string {
	switch b {
	case BadgeUnread:
		return "unread"
	case BadgeHighlighted:
		return "highlighted"
	default:
		return "clean"
	}
}

type BadgeChangedEvent struct {
	State BadgeState
}
