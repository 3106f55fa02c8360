package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{
		"",
		ErrProtoBadRequest,
		ErrNotLoggedIn,
		ErrUnknownTrade,
		ErrTradeExists,
		ErrCapacity,
	} {
		if !IsKnownCode(code) {
			t.Fatalf("IsKnownCode(%q)=false want true", code)
		}
	}
	if IsKnownCode("E_MADE_UP") {
		t.Fatalf("IsKnownCode(E_MADE_UP)=true want false")
	}
}
