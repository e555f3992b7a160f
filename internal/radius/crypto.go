package radius

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // G501: MD5 required by RFC 2865 Sections 3, 5.2, 5.4
	"crypto/subtle"
	"fmt"
)

// SignResponseAuthenticator computes the Response Authenticator of a reply
// packet and writes it into buf[4:20] (RFC 2865 Section 3). buf must
// already hold its final form: code, identifier, length, and attributes;
// bytes 4:20 must hold the value being signed over (typically the
// corresponding request's Request Authenticator, per RFC 2865 Section
// 3's "Response Authenticator" definition).
func SignResponseAuthenticator(buf, secret []byte) {
	h := md5.New() //nolint:gosec // G401: MD5 required by RFC 2865 Section 3
	h.Write(buf)
	h.Write(secret)
	copy(buf[4:20], h.Sum(nil))
}

// VerifyResponseAuthenticator checks a reply's Response Authenticator
// against the authenticator of the request it answers (RFC 2865 Section
// 3): MD5(code || id || length || requestAuthenticator || attributes ||
// secret), compared to replyBuf[4:20].
func VerifyResponseAuthenticator(replyBuf []byte, requestAuthenticator [16]byte, secret []byte) bool {
	if len(replyBuf) < HeaderSize {
		return false
	}

	h := md5.New() //nolint:gosec // G401: MD5 required by RFC 2865 Section 3
	h.Write(replyBuf[0:4])
	h.Write(requestAuthenticator[:])
	if len(replyBuf) > HeaderSize {
		h.Write(replyBuf[HeaderSize:])
	}
	h.Write(secret)

	return subtle.ConstantTimeCompare(h.Sum(nil), replyBuf[4:20]) == 1
}

// VerifyMessageAuthenticator checks the Message-Authenticator attribute at
// the given value offset (RFC 2869 Section 5.14): the attribute's value is
// zeroed in place, an HMAC-MD5 is computed over the entire buffer, the
// result compared to the saved value, and the saved value restored
// regardless of outcome.
func VerifyMessageAuthenticator(buf []byte, valueOffset int, secret []byte) bool {
	if valueOffset < 0 || valueOffset+messageAuthenticatorLen > len(buf) {
		return false
	}

	saved := make([]byte, messageAuthenticatorLen)
	copy(saved, buf[valueOffset:valueOffset+messageAuthenticatorLen])
	clearRange(buf, valueOffset, messageAuthenticatorLen)

	mac := hmac.New(md5.New, secret) //nolint:gosec // G401: HMAC-MD5 required by RFC 2869 Section 5.14
	mac.Write(buf)
	computed := mac.Sum(nil)

	copy(buf[valueOffset:valueOffset+messageAuthenticatorLen], saved)

	return subtle.ConstantTimeCompare(computed, saved) == 1
}

// FillMessageAuthenticator zeroes the attribute value at valueOffset,
// computes an HMAC-MD5 over the whole buffer, and writes the digest into
// the value slot (RFC 2869 Section 5.14).
func FillMessageAuthenticator(buf []byte, valueOffset int, secret []byte) {
	clearRange(buf, valueOffset, messageAuthenticatorLen)

	mac := hmac.New(md5.New, secret) //nolint:gosec // G401: HMAC-MD5 required by RFC 2869 Section 5.14
	mac.Write(buf)
	copy(buf[valueOffset:valueOffset+messageAuthenticatorLen], mac.Sum(nil))
}

func clearRange(buf []byte, offset, length int) {
	for i := range length {
		buf[offset+i] = 0
	}
}

// validatePasswordLength enforces the RFC 2865 Section 5.2 User-Password
// (and Section 5.4 Tunnel-Password) length constraint: a multiple of 16,
// between 16 and 128 bytes inclusive.
func validatePasswordLength(n int) error {
	if n < 16 || n > 128 || n%16 != 0 {
		return fmt.Errorf("radius: password length %d: %w", n, ErrInvalidPasswordLength)
	}

	return nil
}

// UserPasswordEncrypt implements the RFC 2865 Section 5.2 MD5-XOR stream
// cipher used for User-Password and (Section 5.4) Tunnel-Password: each
// 16-byte block is XORed with MD5(secret || previous-ciphertext-block),
// with the Request Authenticator seeding the first block.
func UserPasswordEncrypt(plaintext, secret []byte, authenticator [16]byte) ([]byte, error) {
	if err := validatePasswordLength(len(plaintext)); err != nil {
		return nil, err
	}

	return passwordXORChain(plaintext, secret, authenticator, false), nil
}

// UserPasswordDecrypt inverts UserPasswordEncrypt.
func UserPasswordDecrypt(ciphertext, secret []byte, authenticator [16]byte) ([]byte, error) {
	if err := validatePasswordLength(len(ciphertext)); err != nil {
		return nil, err
	}

	return passwordXORChain(ciphertext, secret, authenticator, true), nil
}

// passwordXORChain runs the RFC 2865 Section 5.2 chain in either
// direction. The chaining input for block i+1 is always the CIPHERTEXT
// of block i: when decrypting that's simply the corresponding slice of
// the input; when encrypting it's the slice of output just produced.
func passwordXORChain(data, secret []byte, authenticator [16]byte, decrypt bool) []byte {
	out := make([]byte, len(data))
	prev := authenticator[:]

	for offset := 0; offset < len(data); offset += 16 {
		h := md5.New() //nolint:gosec // G401: MD5 required by RFC 2865 Section 5.2
		h.Write(secret)
		h.Write(prev)
		hash := h.Sum(nil)

		for i := range 16 {
			out[offset+i] = hash[i] ^ data[offset+i]
		}

		if decrypt {
			prev = data[offset : offset+16]
		} else {
			prev = out[offset : offset+16]
		}
	}

	return out
}

// validateMPPEKeyLength enforces the RFC 2548 Section 2.4 minimum: a
// 2-byte salt plus at least one 16-byte block.
func validateMPPEKeyLength(n int) error {
	if n < 2+16 {
		return fmt.Errorf("radius: MS-MPPE key length %d: %w", n, ErrInvalidMPPEKeyLength)
	}

	return nil
}

// MSMPPEEncrypt implements the RFC 2548 Section 2.4.1/2.4.2 MPPE key
// encryption: the first block's chain input is MD5(secret ||
// authenticator || salt); subsequent blocks chain on the previous
// ciphertext block. key excludes the 2-byte salt prefix.
func MSMPPEEncrypt(key, secret []byte, authenticator [16]byte, salt [2]byte) ([]byte, error) {
	if err := validateMPPEKeyLength(len(key) + 2); err != nil {
		return nil, err
	}

	return mppeXORChain(key, secret, authenticator, salt, false), nil
}

// MSMPPEDecrypt inverts MSMPPEEncrypt.
func MSMPPEDecrypt(key, secret []byte, authenticator [16]byte, salt [2]byte) ([]byte, error) {
	if err := validateMPPEKeyLength(len(key) + 2); err != nil {
		return nil, err
	}

	return mppeXORChain(key, secret, authenticator, salt, true), nil
}

func mppeXORChain(data, secret []byte, authenticator [16]byte, salt [2]byte, decrypt bool) []byte {
	out := make([]byte, len(data))

	for offset := 0; offset < len(data); offset += 16 {
		h := md5.New() //nolint:gosec // G401: MD5 required by RFC 2548 Section 2.4.1/2.4.2
		h.Write(secret)

		if offset == 0 {
			h.Write(authenticator[:])
			h.Write(salt[:])
		} else if decrypt {
			h.Write(data[offset-16 : offset])
		} else {
			h.Write(out[offset-16 : offset])
		}

		hash := h.Sum(nil)
		n := min(16, len(data)-offset)

		for i := range n {
			out[offset+i] = hash[i] ^ data[offset+i]
		}
	}

	return out
}
