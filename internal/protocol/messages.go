package protocol

// ItemRef is the wire form of an item stack: a catalog id plus a count.
type ItemRef struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// LOGIN_REQUEST (client -> server)
type LoginRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// LOGIN_RESPONSE (server -> client)
type LoginResponse struct {
	Success        bool   `json:"success"`
	SessionID      string `json:"session_id,omitempty"`
	UUID           string `json:"uuid,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// SESSION_EXTEND (client -> server): periodic keep-alive.
type SessionExtend struct {
	SessionID string `json:"session_id"`
}

// SESSION_EXPIRED (server -> client)
type SessionExpired struct {
	SessionID string `json:"session_id"`
}

// CHAT_SUBMIT (client -> server)
type ChatSubmit struct {
	SessionID       string `json:"session_id"`
	SenderUUID      string `json:"sender_uuid"`
	ClientMessageID string `json:"client_message_id"`
	Text            string `json:"text"`
}

// CHAT_RESPONSE (server -> client): direct reply to the submitting client.
type ChatResponse struct {
	Success           bool   `json:"success"`
	OriginalMessageID string `json:"original_message_id"`
	NewMessageID      string `json:"new_message_id,omitempty"`
	Text              string `json:"text,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// CHAT_BROADCAST (server -> client): pushed to everyone but the sender.
type ChatBroadcast struct {
	MessageID  string `json:"message_id"`
	SenderUUID string `json:"sender_uuid"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp_ms"`
}

// CHAT_HISTORY_SYNC (server -> client): full buffer, sent right after login.
type ChatHistorySync struct {
	Messages []ChatBroadcast `json:"messages"`
}

// USER_ONLINE / USER_OFFLINE (server -> client)
type UserOnline struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"display_name"`
}

type UserOffline struct {
	UUID string `json:"uuid"`
}

// USER_LIST (server -> client): everyone currently logged in.
type UserList struct {
	Users []UserOnline `json:"users"`
}
