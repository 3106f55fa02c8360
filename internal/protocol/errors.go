package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session layer.
	ErrLoginFailed = "E_LOGIN_FAILED"
	ErrNotLoggedIn = "E_NOT_LOGGED_IN"

	// Chat/trade request layer.
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrUnknownTrade      = "E_UNKNOWN_TRADE"
	ErrNotInTrade        = "E_NOT_IN_TRADE"
	ErrTradeExists       = "E_TRADE_EXISTS"
	ErrTradeClosed       = "E_TRADE_CLOSED"
	ErrTargetUnavailable = "E_TARGET_UNAVAILABLE"
	ErrCapacity          = "E_CAPACITY"
	ErrRateLimit         = "E_RATE_LIMIT"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrLoginFailed:       {},
	ErrNotLoggedIn:       {},
	ErrBadRequest:        {},
	ErrUnknownTrade:      {},
	ErrNotInTrade:        {},
	ErrTradeExists:       {},
	ErrTradeClosed:       {},
	ErrTargetUnavailable: {},
	ErrCapacity:          {},
	ErrRateLimit:         {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
