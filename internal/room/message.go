package room

import "encoding/json"

// Message kinds relayed between participants.
const (
	TypeItem       = "item"
	TypeDelete     = "delete"
	TypeControl    = "control"
	TypeCursor     = "cursor"
	TypeUserJoined = "user.joined"
	TypeUserLeft   = "user.left"
)

// ItemPayload carries one annotation shape. Data is the serialized shape as
// produced by the drawing client and stays opaque to the server.
type ItemPayload struct {
	Page int    `json:"page"`
	Name string `json:"name"`
	Data string `json:"data"`
}

// DeletePayload identifies an item to remove.
type DeletePayload struct {
	Page int    `json:"page"`
	Name string `json:"name"`
}

// ControlPayload carries room-wide control events. Only type "page" is
// recognized today.
type ControlPayload struct {
	Type string `json:"type"`
	Page int    `json:"page,omitempty"`
}

// Message is the JSON envelope exchanged with participants. Exactly one
// payload field is set depending on Type. UserID identifies the originating
// connection and is filled in by the server before re-broadcasting.
type Message struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userid,omitempty"`
	Item    *ItemPayload    `json:"item,omitempty"`
	Delete  *DeletePayload  `json:"delete,omitempty"`
	Control *ControlPayload `json:"control,omitempty"`
	Cursor  json.RawMessage `json:"cursor,omitempty"`
	Users   []Participant   `json:"users,omitempty"`
	User    *Participant    `json:"user,omitempty"`
}

// Participant describes one connected user as shared in roster events.
type Participant struct {
	UserID      string `json:"userid"`
	DisplayName string `json:"displayname"`
	Permissions *int   `json:"permissions"`
}
