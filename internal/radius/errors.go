package radius

import "errors"

// Sentinel errors for codec and protocol failures.
var (
	ErrPacketTooShort                = errors.New("packet shorter than minimum RADIUS size")
	ErrLengthTooShort                = errors.New("declared length shorter than minimum RADIUS size")
	ErrLengthExceedsBuffer           = errors.New("declared length exceeds received bytes")
	ErrAttributeLengthInvalid        = errors.New("attribute length below minimum")
	ErrAttributeLengthExceedsPacket  = errors.New("attribute length exceeds remaining packet")
	ErrNoUserName                    = errors.New("access-request has no User-Name attribute")
	ErrUnhandledCode                 = errors.New("unhandled RADIUS code for this context")
	ErrInvalidPasswordLength         = errors.New("password attribute length not a multiple of 16 in [16,128]")
	ErrInvalidMPPEKeyLength          = errors.New("MS-MPPE key attribute shorter than salt + one block")
	ErrMessageAuthenticatorLength    = errors.New("message-authenticator attribute has wrong length")
	ErrResponseAuthenticatorMismatch = errors.New("response authenticator mismatch")
	ErrMessageAuthenticatorMismatch  = errors.New("message-authenticator mismatch")
	ErrRequestTableFull              = errors.New("request table full")
	ErrReplyQueueFull                = errors.New("reply queue full")
)

// ProtocolError wraps a malformed-packet condition: undersized packet,
// length mismatch, bad attribute TLV, or an unexpected code for context.
// Non-fatal: the packet is dropped and the error logged at warn level.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return "protocol: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError wraps a Response/Message/Request Authenticator mismatch or a
// shared-secret failure. Non-fatal: the packet is dropped and logged.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ResourceExhaustionError wraps a full request table or reply queue.
// Non-fatal: the new work is dropped and logged.
type ResourceExhaustionError struct{ Err error }

func (e *ResourceExhaustionError) Error() string { return "resource exhausted: " + e.Err.Error() }
func (e *ResourceExhaustionError) Unwrap() error { return e.Err }
