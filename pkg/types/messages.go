package types

// Client -> coordination server, one JSON object per websocket text frame,
// discriminated by "type":
//
//   join:          room_code, player_name, custom_lobby_name?, account_id?
//   leave:         {}
//   select_game:   game_id
//   start_game:    {}
//   transfer_host: target_player_id
//   kick:          target_player_id
//   heartbeat:     {}
//   update_status: status
//
// Coordination server -> client:
//
//   joined:              room_id, room_code, status, selected_game?, players[], self_player_id?
//   room_state:          status, selected_game?, players[]  (full roster)
//   player_joined:       player
//   player_left:         player_id
//   player_disconnected: player_id
//   player_status:       player_id, location, is_connected
//   host_transferred:    old_host_id, new_host_id
//   game_selected:       game_id
//   game_started:        game_id
//   status_changed:      status
//   kicked:              player_id, player_name?, kicked_by?
//   error:               code, message
const (
	CmdJoin         = "join"
	CmdLeave        = "leave"
	CmdSelectGame   = "select_game"
	CmdStartGame    = "start_game"
	CmdTransferHost = "transfer_host"
	CmdKick         = "kick"
	CmdHeartbeat    = "heartbeat"
	CmdUpdateStatus = "update_status"

	EvtJoined             = "joined"
	EvtRoomState          = "room_state"
	EvtPlayerJoined       = "player_joined"
	EvtPlayerLeft         = "player_left"
	EvtPlayerDisconnected = "player_disconnected"
	EvtPlayerStatus       = "player_status"
	EvtHostTransferred    = "host_transferred"
	EvtGameSelected       = "game_selected"
	EvtGameStarted        = "game_started"
	EvtStatusChanged      = "status_changed"
	EvtKicked             = "kicked"
	EvtError              = "error"
)
