package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tradepost/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		s, err := protocol.CompileSchema(name)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, raw string) {
		t.Helper()
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("sample: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	envelopeSchema := compile("envelope")
	chatSubmitSchema := compile("chat_submit")
	offerUpdateSchema := compile("trade_offer_update")
	completedSchema := compile("trade_completed")

	validate(envelopeSchema, `{
	  "module":"chat",
	  "type":"CHAT_SUBMIT",
	  "payload":{}
	}`)

	validate(chatSubmitSchema, `{
	  "session_id":"S1",
	  "sender_uuid":"U1",
	  "client_message_id":"C1",
	  "text":"hello"
	}`)

	validate(offerUpdateSchema, `{
	  "session_id":"S1",
	  "trade_id":"T1",
	  "token":"TK1",
	  "items":[{"item_id":"WOOD","quantity":5}]
	}`)

	validate(completedSchema, `{
	  "trade_id":"T1",
	  "other_party_uuid":"U2",
	  "items":[{"item_id":"STONE","quantity":10}]
	}`)
}

func TestSchemas_RejectBadEnvelope(t *testing.T) {
	s, err := protocol.CompileSchema("envelope")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"module":"physics","type":"X","payload":{}}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected unknown module to fail validation")
	}
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	b, err := protocol.Encode(protocol.ModuleTrading, protocol.TypeTradeNoticeAck, protocol.TradeNoticeAck{
		SessionID: "S1",
		TradeID:   "T1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Module != protocol.ModuleTrading || env.Type != protocol.TypeTradeNoticeAck {
		t.Fatalf("envelope=%q/%q want trading/TRADE_NOTICE_ACK", env.Module, env.Type)
	}
	var ack protocol.TradeNoticeAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ack.TradeID != "T1" {
		t.Fatalf("trade_id=%q want T1", ack.TradeID)
	}
}
