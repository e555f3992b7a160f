package radius

import (
	"encoding/binary"
	"fmt"
)

// Packet codes this proxy understands (RFC 2865 Section 3).
const (
	CodeAccessRequest   uint8 = 1
	CodeAccessAccept    uint8 = 2
	CodeAccessReject    uint8 = 3
	CodeAccessChallenge uint8 = 11
	CodeStatusServer    uint8 = 12
)

// Wire size limits (RFC 2865 Section 3).
const (
	HeaderSize    = 20
	MinPacketSize = HeaderSize
	MaxPacketSize = 4096
)

// Attribute types referenced by this proxy (RFC 2865 Section 5, RFC 2548
// for the Microsoft vendor-specific sub-attributes).
const (
	AttrUserName             uint8 = 1
	AttrUserPassword         uint8 = 2
	AttrReplyMessage         uint8 = 18
	AttrVendorSpecific       uint8 = 26
	AttrTunnelPassword       uint8 = 69
	AttrMessageAuthenticator uint8 = 80
)

// Microsoft vendor-specific attribute IDs (RFC 2548 Sections 2.4.1, 2.4.2).
const (
	vendorIDMicrosoft   uint32 = 311
	vsaMSMPPESendKey    uint8  = 16
	vsaMSMPPERecvKey    uint8  = 17
)

// messageAuthenticatorLen is the fixed value length of a Message-Authenticator
// attribute (RFC 2869 Section 5.14): an HMAC-MD5 digest.
const messageAuthenticatorLen = 16

// attrHeaderSize is the type+length prefix common to every attribute.
const attrHeaderSize = 2

// Attribute is a single decoded RADIUS attribute TLV.
type Attribute struct {
	Type  uint8
	Value []byte
}

// Message is a fully decoded RADIUS packet.
type Message struct {
	Code          uint8
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute

	// TrailingBytes is the count of bytes found after the declared length
	// in the buffer handed to Decode. RFC 2865 permits padding; callers
	// should log it rather than treat it as an error.
	TrailingBytes int
}

// Decode parses a RADIUS packet out of wire, which may contain trailing
// padding beyond the header's declared length. It rejects buffers shorter
// than the minimum packet size, headers declaring a length shorter than
// the minimum, and headers declaring a length longer than the supplied
// buffer. The attribute area is walked and validated the same way
// ValidateAttributes does.
func Decode(wire []byte) (*Message, error) {
	if len(wire) < MinPacketSize {
		return nil, fmt.Errorf("radius: decode %d bytes: %w", len(wire), ErrPacketTooShort)
	}

	length := int(binary.BigEndian.Uint16(wire[2:4]))
	if length < MinPacketSize {
		return nil, fmt.Errorf("radius: decode: declared length %d: %w", length, ErrLengthTooShort)
	}
	if length > len(wire) {
		return nil, fmt.Errorf("radius: decode: declared length %d exceeds %d received bytes: %w",
			length, len(wire), ErrLengthExceedsBuffer)
	}

	attrs, err := decodeAttributes(wire[HeaderSize:length])
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Code:          wire[0],
		Identifier:    wire[1],
		Attributes:    attrs,
		TrailingBytes: len(wire) - length,
	}
	copy(msg.Authenticator[:], wire[4:20])

	return msg, nil
}

// decodeAttributes walks a TLV area, collecting attributes. It fails only
// on the conditions the original attrvalidate walk fails on: an attribute
// claiming a length under 2, or a length that overruns the remaining area.
// A single dangling byte after the last well-formed attribute is tolerated:
// it is neither rejected nor reported to the caller.
func decodeAttributes(area []byte) ([]Attribute, error) {
	var attrs []Attribute

	for len(area) > 1 {
		l := int(area[1])
		if l < attrHeaderSize {
			return nil, fmt.Errorf("radius: attribute length %d: %w", l, ErrAttributeLengthInvalid)
		}
		if l > len(area) {
			return nil, fmt.Errorf("radius: attribute length %d exceeds remaining %d bytes: %w",
				l, len(area), ErrAttributeLengthExceedsPacket)
		}

		attrs = append(attrs, Attribute{
			Type:  area[0],
			Value: append([]byte(nil), area[attrHeaderSize:l]...),
		})
		area = area[l:]
	}

	return attrs, nil
}

// ValidateAttributes re-validates a raw attribute TLV area without building
// an attribute list. ClientReceiver uses it on a reply's attribute area,
// where a full Attribute slice isn't needed.
func ValidateAttributes(area []byte) error {
	_, err := decodeAttributes(area)
	return err
}

// Encode serializes the message into a fresh wire buffer. The length field
// and the authenticator bytes are written from the struct's current state;
// callers needing a specific authenticator value should set it before
// calling Encode (or overwrite wire[4:20] directly afterward, as the
// signing functions do).
func (m *Message) Encode() []byte {
	length := HeaderSize
	for _, a := range m.Attributes {
		length += attrHeaderSize + len(a.Value)
	}

	wire := make([]byte, length)
	wire[0] = m.Code
	wire[1] = m.Identifier
	binary.BigEndian.PutUint16(wire[2:4], uint16(length)) //nolint:gosec // G115: length bounded by MaxPacketSize
	copy(wire[4:20], m.Authenticator[:])

	offset := HeaderSize
	for _, a := range m.Attributes {
		wire[offset] = a.Type
		wire[offset+1] = uint8(attrHeaderSize + len(a.Value)) //nolint:gosec // G115: caller-validated attribute length
		copy(wire[offset+attrHeaderSize:], a.Value)
		offset += attrHeaderSize + len(a.Value)
	}

	return wire
}

// Attribute returns the first attribute of the given type, matching the
// original attrget linear walk semantics (first match wins).
func (m *Message) Attribute(typ uint8) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == typ {
			return a, true
		}
	}

	return Attribute{}, false
}

// FindAttributeValueOffset locates the wire offset (from the start of the
// packet) of the value of the first attribute of type typ, by walking the
// raw, already-length-validated wire buffer directly. This is needed by
// the Message-Authenticator sign/verify helpers and the request table's
// insert path, which operate on raw wire bytes rather than a decoded
// Message so they can zero/restore/rewrite in place.
func FindAttributeValueOffset(wire []byte, typ uint8) (offset, length int, ok bool) {
	if len(wire) < HeaderSize {
		return 0, 0, false
	}

	declared := int(binary.BigEndian.Uint16(wire[2:4]))
	if declared > len(wire) {
		declared = len(wire)
	}

	area := wire[HeaderSize:declared]
	pos := HeaderSize

	for len(area) > 1 {
		l := int(area[1])
		if l < attrHeaderSize || l > len(area) {
			return 0, 0, false
		}

		if area[0] == typ {
			return pos + attrHeaderSize, l - attrHeaderSize, true
		}

		area = area[l:]
		pos += l
	}

	return 0, 0, false
}
