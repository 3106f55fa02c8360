package protocol

import "encoding/json"

const Version = "1.0"

// Target modules. Every frame names the module that owns its payload.
const (
	ModuleAuth    = "authentication"
	ModuleChat    = "chat"
	ModuleTrading = "trading"
	ModuleUsers   = "usermgmt"
)

// Message types, grouped by module.
const (
	// authentication
	TypeLoginRequest   = "LOGIN_REQUEST"
	TypeLoginResponse  = "LOGIN_RESPONSE"
	TypeSessionExtend  = "SESSION_EXTEND"
	TypeSessionExpired = "SESSION_EXPIRED"

	// chat
	TypeChatSubmit      = "CHAT_SUBMIT"
	TypeChatResponse    = "CHAT_RESPONSE"
	TypeChatBroadcast   = "CHAT_BROADCAST"
	TypeChatHistorySync = "CHAT_HISTORY_SYNC"

	// trading
	TypeCreateTradeRequest  = "CREATE_TRADE_REQUEST"
	TypeCreateTradeResponse = "CREATE_TRADE_RESPONSE"
	TypeTradeOfferUpdate    = "TRADE_OFFER_UPDATE"
	TypeTradeOfferResult    = "TRADE_OFFER_RESULT"
	TypeTradeOfferChanged   = "TRADE_OFFER_CHANGED"
	TypeTradeCancelRequest  = "TRADE_CANCEL_REQUEST"
	TypeTradeAcceptedSet    = "TRADE_ACCEPTED_SET"
	TypeTradeAcceptedState  = "TRADE_ACCEPTED_STATE"
	TypeTradeStateSync      = "TRADE_STATE_SYNC"
	TypeTradeCompleted      = "TRADE_COMPLETED"
	TypeTradeCancelled      = "TRADE_CANCELLED"
	TypeTradeNoticeAck      = "TRADE_NOTICE_ACK"

	// usermgmt
	TypeUserOnline  = "USER_ONLINE"
	TypeUserOffline = "USER_OFFLINE"
	TypeUserList    = "USER_LIST"
)

// Envelope is the outer frame: a target module, a message type, and an
// opaque payload the module decodes itself. Undecodable payloads are
// dropped by the receiver, never propagated.
type Envelope struct {
	Module  string          `json:"module"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Encode wraps a payload struct in an envelope and marshals the full frame.
func Encode(module, msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Module: module, Type: msgType, Payload: raw})
}
