package protocol

// CREATE_TRADE_REQUEST (client -> server)
type CreateTradeRequest struct {
	SessionID      string `json:"session_id"`
	UUID           string `json:"uuid"`
	OtherPartyUUID string `json:"other_party_uuid"`
}

// CREATE_TRADE_RESPONSE (server -> client). Sent to the initiator as the
// direct response and to the other party as the invitation.
type CreateTradeResponse struct {
	Success        bool   `json:"success"`
	TradeID        string `json:"trade_id,omitempty"`
	OtherPartyUUID string `json:"other_party_uuid,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// TRADE_OFFER_UPDATE (client -> server): replaces the sender's side of the
// offer. Token correlates the server's verdict with the client's
// speculative item reservation.
type TradeOfferUpdate struct {
	SessionID string    `json:"session_id"`
	TradeID   string    `json:"trade_id"`
	Token     string    `json:"token"`
	Items     []ItemRef `json:"items"`
}

// TRADE_OFFER_RESULT (server -> client): verdict for one TRADE_OFFER_UPDATE.
type TradeOfferResult struct {
	TradeID        string `json:"trade_id"`
	Success        bool   `json:"success"`
	Token          string `json:"token"`
	FailureReason  string `json:"failure_reason,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// TRADE_OFFER_CHANGED (server -> client): the other party's offer changed.
// Any offer change clears all acceptances server-side, so this message
// implies accepted={}.
type TradeOfferChanged struct {
	TradeID   string    `json:"trade_id"`
	PartyUUID string    `json:"party_uuid"`
	Items     []ItemRef `json:"items"`
}

// TRADE_CANCEL_REQUEST (client -> server)
type TradeCancelRequest struct {
	SessionID string `json:"session_id"`
	TradeID   string `json:"trade_id"`
}

// TRADE_ACCEPTED_SET (client -> server)
type TradeAcceptedSet struct {
	SessionID string `json:"session_id"`
	TradeID   string `json:"trade_id"`
	Accepted  bool   `json:"accepted"`
}

// TRADE_ACCEPTED_STATE (server -> client): authoritative accepted flags.
type TradeAcceptedState struct {
	TradeID  string   `json:"trade_id"`
	Accepted []string `json:"accepted"`
}

// TRADE_STATE_SYNC (server -> client): full authoritative view of one
// trade, sent on login/reconnect so the client can reconcile speculative
// local state.
type TradeStateSync struct {
	TradeID        string               `json:"trade_id"`
	OtherPartyUUID string               `json:"other_party_uuid"`
	Offers         map[string][]ItemRef `json:"offers"`
	Accepted       []string             `json:"accepted"`
}

// TRADE_COMPLETED (server -> client): terminal notice. Items is the other
// party's final offer, i.e. what this client receives.
type TradeCompleted struct {
	TradeID        string    `json:"trade_id"`
	OtherPartyUUID string    `json:"other_party_uuid"`
	Items          []ItemRef `json:"items"`
}

// TRADE_CANCELLED (server -> client): terminal notice.
type TradeCancelled struct {
	TradeID        string `json:"trade_id"`
	OtherPartyUUID string `json:"other_party_uuid"`
}

// TRADE_NOTICE_ACK (client -> server): confirms receipt of a terminal
// notice so the server can retire the pending-notification record.
type TradeNoticeAck struct {
	SessionID string `json:"session_id"`
	TradeID   string `json:"trade_id"`
}
