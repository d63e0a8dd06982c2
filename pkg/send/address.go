package send

import (
	"strings"
)

const (
	userServer   = "s.whatsapp.net"
	legacyServer = "c.us"
	groupServer  = "g.us"
)

// NormalizeRecipient turns a phone number or chat address into a full
// address. Bare numbers keep only their digits; legacy c.us addresses are
// mapped to the user server; group addresses pass through.
func NormalizeRecipient(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrBadRecipient
	}

	user, server, hasServer := strings.Cut(raw, "@")
	if !hasServer {
		server = userServer
	}
	server = strings.ToLower(server)

	switch server {
	case legacyServer, userServer:
		user = digitsOnly(user)
		server = userServer
	case groupServer:
		user = strings.TrimSpace(user)
	default:
		return "", ErrBadRecipient
	}
	if user == "" {
		return "", ErrBadRecipient
	}
	return user + "@" + server, nil
}

// userPart returns everything before the first '@' or ':' (device suffix).
func userPart(addr string) string {
	if i := strings.IndexAny(addr, "@:"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
