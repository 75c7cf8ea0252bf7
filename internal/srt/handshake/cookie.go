package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
)

// CookieWindow is the duration of one SYN cookie time window.
const CookieWindow = 60 // seconds

// CookieMinter mints and verifies SYN cookies from the peer's address, a
// server secret, and a coarse time window, without any server-side
// handshake state.
type CookieMinter struct {
	secret [32]byte
}

// NewCookieMinter derives a minter from an arbitrary-length secret via
// SHA-256, so operators can pass any configured passphrase.
func NewCookieMinter(secret []byte) *CookieMinter {
	return &CookieMinter{secret: sha256.Sum256(secret)}
}

// Mint computes the SYN cookie for addr at the given unix time, binding the
// window number into the cookie so Verify can recompute it.
func (m *CookieMinter) Mint(addr netip.AddrPort, unixSeconds int64) uint32 {
	return m.cookieFor(addr, windowNumber(unixSeconds))
}

// Verify reports whether cookie is valid for addr at unixSeconds, accepting
// both the current and immediately preceding time window.
func (m *CookieMinter) Verify(addr netip.AddrPort, cookie uint32, unixSeconds int64) bool {
	w := windowNumber(unixSeconds)
	if cookie == m.cookieFor(addr, w) {
		return true
	}
	if w > 0 && cookie == m.cookieFor(addr, w-1) {
		return true
	}
	return false
}

func windowNumber(unixSeconds int64) int64 {
	return unixSeconds / CookieWindow
}

func (m *CookieMinter) cookieFor(addr netip.AddrPort, window int64) uint32 {
	var buf [18]byte
	ip := addr.Addr().As16()
	copy(buf[0:16], ip[:])
	binary.BigEndian.PutUint16(buf[16:18], addr.Port())

	var winBuf [8]byte
	binary.BigEndian.PutUint64(winBuf[:], uint64(window))

	h := hmac.New(sha256.New, m.secret[:])
	h.Write(buf[:])
	h.Write(winBuf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}
