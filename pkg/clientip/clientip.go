// Package clientip extracts the real client IP address of a public HTTP
// request from its proxy headers, per the algorithm in spec §4.6.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Mode selects which proxy header (if any) is trusted for client-IP
// extraction.
type Mode string

const (
	ModeNone          Mode = "none"
	ModeXForwardedFor Mode = "x-forwarded-for"
	ModeXRealIP       Mode = "x-real-ip"
	ModeCloudflare    Mode = "cloudflare"
	ModeTrueClientIP  Mode = "true-client-ip"
	ModeForwarded     Mode = "forwarded"
	ModeCustom        Mode = "custom-name"
)

// headerNames maps the built-in modes to their wire header name. ModeCustom
// has no fixed name; Extractor.HeaderName supplies it instead.
var headerNames = map[Mode]string{
	ModeXForwardedFor: "X-Forwarded-For",
	ModeXRealIP:       "X-Real-Ip",
	ModeCloudflare:    "Cf-Connecting-Ip",
	ModeTrueClientIP:  "True-Client-Ip",
	ModeForwarded:     "Forwarded",
}

// Extractor holds the configured proxy mode, an optional custom header name
// (used only when Mode is ModeCustom), and the trusted-proxy allowlist.
type Extractor struct {
	Mode           Mode
	HeaderName     string
	TrustedProxies []string
}

// Extract computes source_ip for an inbound request, given its direct TCP
// peer address (host, no port) and header set.
func (e Extractor) Extract(peerIP string, header http.Header) string {
	if e.Mode == ModeNone || e.Mode == "" {
		return peerIP
	}

	if len(e.TrustedProxies) > 0 && !e.isTrusted(peerIP) {
		return peerIP
	}

	name := e.HeaderName
	if n, ok := headerNames[e.Mode]; ok {
		name = n
	}
	raw := header.Get(name)
	if raw == "" || !isASCII(raw) {
		return peerIP
	}

	parsed, ok := e.parse(raw)
	if !ok {
		return peerIP
	}
	return parsed
}

func (e Extractor) isTrusted(ip string) bool {
	for _, t := range e.TrustedProxies {
		if t == ip {
			return true
		}
	}
	return false
}

func (e Extractor) parse(raw string) (string, bool) {
	switch e.Mode {
	case ModeXForwardedFor:
		return parseFirstCommaToken(raw)
	case ModeForwarded:
		return parseForwarded(raw)
	default:
		// x-real-ip, cloudflare, true-client-ip, custom: trim, reject empty.
		v := strings.TrimSpace(raw)
		if v == "" {
			return "", false
		}
		return v, true
	}
}

func parseFirstCommaToken(raw string) (string, bool) {
	parts := strings.SplitN(raw, ",", 2)
	v := strings.TrimSpace(parts[0])
	if v == "" {
		return "", false
	}
	return v, true
}

// parseForwarded implements the RFC 7239 for= directive extraction from
// spec §4.6: take the first comma-separated element, find the first for=
// directive (case-insensitive), strip surrounding quotes, unwrap a bracketed
// IPv6 literal, or strip a trailing :port from a dotted-decimal host.
func parseForwarded(raw string) (string, bool) {
	first := strings.SplitN(raw, ",", 2)[0]

	directives := strings.Split(first, ";")
	var forValue string
	found := false
	for _, d := range directives {
		d = strings.TrimSpace(d)
		idx := strings.IndexByte(d, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(d[:idx])
		if strings.EqualFold(key, "for") {
			forValue = strings.TrimSpace(d[idx+1:])
			found = true
			break
		}
	}
	if !found {
		return "", false
	}

	forValue = strings.Trim(forValue, `"`)
	if forValue == "" {
		return "", false
	}

	if strings.HasPrefix(forValue, "[") {
		end := strings.IndexByte(forValue, ']')
		if end < 0 {
			return "", false
		}
		return forValue[1:end], true
	}

	if strings.Count(forValue, ":") == 1 {
		host, _, ok := strings.Cut(forValue, ":")
		if ok && isDottedDecimal(host) {
			return host, true
		}
	}

	return forValue, true
}

func isDottedDecimal(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return s != ""
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// PeerIP extracts just the host portion from a net/http RemoteAddr-style
// "host:port" string, falling back to the raw value if it has no port.
func PeerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
