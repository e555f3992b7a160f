package radius

import (
	"bytes"
	"testing"
)

func buildPacket(t *testing.T, code, id uint8, attrs []Attribute) []byte {
	t.Helper()

	m := &Message{Code: code, Identifier: id, Attributes: attrs}

	return m.Encode()
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	attrs := []Attribute{
		{Type: AttrUserName, Value: []byte("alice@example.com")},
		{Type: AttrReplyMessage, Value: []byte("hello")},
	}

	wire := buildPacket(t, CodeAccessRequest, 7, attrs)

	m, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if m.Code != CodeAccessRequest || m.Identifier != 7 {
		t.Fatalf("header mismatch: %+v", m)
	}

	if len(m.Attributes) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(m.Attributes))
	}

	if !bytes.Equal(m.Attributes[0].Value, attrs[0].Value) {
		t.Fatalf("attribute 0 value mismatch: %q", m.Attributes[0].Value)
	}

	reencoded := m.Encode()
	if !bytes.Equal(reencoded, wire) {
		t.Fatalf("re-encoded packet differs from original:\n%x\n%x", reencoded, wire)
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized packet")
	}
}

func TestDecodeRejectsLengthExceedingBuffer(t *testing.T) {
	wire := buildPacket(t, CodeAccessRequest, 1, nil)
	wire[2] = 0xFF // bogus declared length, high byte

	if _, err := Decode(wire); err == nil {
		t.Fatal("expected error for length exceeding buffer")
	}
}

func TestValidateAttributesTrailingByteTolerated(t *testing.T) {
	// A single trailing byte past the last valid TLV is tolerated, not a
	// hard failure.
	area := []byte{AttrUserName, 4, 'a', 'b', 0x00}

	if err := ValidateAttributes(area); err != nil {
		t.Fatalf("expected trailing byte to be tolerated, got %v", err)
	}
}

func TestValidateAttributesRejectsShortLength(t *testing.T) {
	area := []byte{AttrUserName, 1}

	if err := ValidateAttributes(area); err == nil {
		t.Fatal("expected error for attribute length < 2")
	}
}

func TestFindAttributeValueOffset(t *testing.T) {
	attrs := []Attribute{
		{Type: AttrUserName, Value: []byte("bob")},
		{Type: AttrMessageAuthenticator, Value: make([]byte, 16)},
	}
	wire := buildPacket(t, CodeAccessRequest, 1, attrs)

	offset, length, ok := FindAttributeValueOffset(wire, AttrMessageAuthenticator)
	if !ok {
		t.Fatal("expected to find Message-Authenticator")
	}

	if length != 16 {
		t.Fatalf("expected length 16, got %d", length)
	}

	if wire[offset-2] != AttrMessageAuthenticator {
		t.Fatalf("offset does not point past the attribute header: type byte is %d", wire[offset-2])
	}
}

func TestMessageAttributeFirstMatch(t *testing.T) {
	attrs := []Attribute{
		{Type: AttrUserName, Value: []byte("first")},
		{Type: AttrUserName, Value: []byte("second")},
	}
	m := &Message{Code: CodeAccessRequest, Identifier: 1, Attributes: attrs}

	got, ok := m.Attribute(AttrUserName)
	if !ok || string(got.Value) != "first" {
		t.Fatalf("expected first match 'first', got %+v ok=%v", got, ok)
	}
}
