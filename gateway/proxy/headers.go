package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"localmesh/domain"
)

// Gateway header names added on the way in and out.
const (
	HeaderRequestID     = "X-Gateway-Request-Id"
	HeaderProcessed     = "X-Gateway-Processed"
	HeaderDuration      = "X-Gateway-Duration"
	HeaderService       = "X-Gateway-Service"
	HeaderAuthenticated = "X-Gateway-Authenticated"

	HeaderUserID            = "X-User-Id"
	HeaderUserEmail         = "X-User-Email"
	HeaderUserFullName      = "X-User-Full-Name"
	HeaderUserRoles         = "X-User-Roles"
	HeaderUserEmailVerified = "X-User-Email-Verified"
)

// hopByHopHeaders never cross the proxy, in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Upgrade",
	"Transfer-Encoding",
	"Te",
	"Trailers",
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// buildForwardHeaders assembles the outbound header set: the inbound headers
// minus the hop-by-hop set, minus the original Authorization and Host, plus
// the forwarded-* and gateway headers, plus the principal headers when the
// request was authenticated.
func buildForwardHeaders(req *http.Request, requestID string, principal *domain.Principal) http.Header {
	out := make(http.Header, len(req.Header)+8)
	for name, values := range req.Header {
		if isHopByHop(name) || http.CanonicalHeaderKey(name) == "Authorization" {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	clientIP := req.RemoteAddr
	if i := strings.LastIndexByte(clientIP, ':'); i > 0 {
		clientIP = clientIP[:i]
	}
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	out.Set("X-Forwarded-For", clientIP)
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	out.Set("X-Forwarded-Proto", proto)
	out.Set("X-Forwarded-Host", req.Host)
	out.Set(HeaderRequestID, requestID)

	if principal != nil {
		out.Set(HeaderUserID, principal.UserID)
		out.Set(HeaderUserEmail, principal.Email)
		out.Set(HeaderUserFullName, principal.FullName)
		out.Set(HeaderUserRoles, strings.Join(principal.Roles, ","))
		out.Set(HeaderUserEmailVerified, strconv.FormatBool(principal.EmailVerified))
		out.Set(HeaderAuthenticated, "true")
	}
	return out
}

// relayHeaders copies the downstream response headers onto the client
// response, stripping the hop-by-hop set again.
func relayHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
}

func isHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}
