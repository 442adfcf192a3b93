package types

// RoomView is the read-only room state handed to render layers.
type RoomView struct {
	Phase        string       `json:"phase"`
	Connection   string       `json:"connection"`
	RoomID       string       `json:"room_id,omitempty"`
	RoomCode     string       `json:"room_code,omitempty"`
	Status       string       `json:"status,omitempty"`
	SelectedGame string       `json:"selected_game,omitempty"`
	SelfPlayerID string       `json:"self_player_id,omitempty"`
	Players      []PlayerView `json:"players"`
	Starting     bool         `json:"starting"`
	HandoffURL   string       `json:"handoff_url,omitempty"`
}

type PlayerView struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	IsHost                bool   `json:"is_host"`
	IsConnected           bool   `json:"is_connected"`
	Location              string `json:"location"`
	GraceRemainingSeconds *int   `json:"grace_remaining_seconds,omitempty"`
}

// NoticeView is a toast or banner for the render layer.
type NoticeView struct {
	Kind       string `json:"kind"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	Persistent bool   `json:"persistent"`
}

// StreamMessage is one frame of the render-layer websocket stream.
type StreamMessage struct {
	Type   string      `json:"type"`
	View   *RoomView   `json:"view,omitempty"`
	Notice *NoticeView `json:"notice,omitempty"`
}

const (
	StreamView   = "view"
	StreamNotice = "notice"

	// IntentRetry asks the lobby to reconnect after the event channel gave
	// up. It only exists on the view stream, never on the server protocol.
	IntentRetry = "retry"
)
