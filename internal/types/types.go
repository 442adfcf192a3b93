package types

type ClientMessage struct {
	Type            string `json:"type"`
	RoomCode        string `json:"room_code,omitempty"`
	PlayerName      string `json:"player_name,omitempty"`
	CustomLobbyName string `json:"custom_lobby_name,omitempty"`
	AccountID       string `json:"account_id,omitempty"`
	GameID          string `json:"game_id,omitempty"`
	TargetPlayerID  string `json:"target_player_id,omitempty"`
	Status          string `json:"status,omitempty"`
}

type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsHost      bool   `json:"is_host"`
	IsConnected bool   `json:"is_connected"`
	Location    string `json:"location,omitempty"`
}

type ServerMessage struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"room_id,omitempty"`
	RoomCode     string   `json:"room_code,omitempty"`
	Status       string   `json:"status,omitempty"`
	SelectedGame string   `json:"selected_game,omitempty"`
	Players      []Player `json:"players,omitempty"`
	Player       *Player  `json:"player,omitempty"`
	SelfPlayerID string   `json:"self_player_id,omitempty"`
	PlayerID     string   `json:"player_id,omitempty"`
	PlayerName   string   `json:"player_name,omitempty"`
	OldHostID    string   `json:"old_host_id,omitempty"`
	NewHostID    string   `json:"new_host_id,omitempty"`
	GameID       string   `json:"game_id,omitempty"`
	Location     string   `json:"location,omitempty"`
	IsConnected  *bool    `json:"is_connected,omitempty"`
	KickedBy     string   `json:"kicked_by,omitempty"`
	Code         string   `json:"code,omitempty"`
	Message      string   `json:"message,omitempty"`
}
