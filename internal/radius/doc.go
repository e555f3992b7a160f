// Package radius implements the RADIUS wire protocol (RFC 2865): packet
// header and attribute TLV codec, Response/Message-Authenticator signing
// and verification, User/Tunnel-Password and MS-MPPE key crypto, realm
// routing, and the per-server pending-request table.
package radius
