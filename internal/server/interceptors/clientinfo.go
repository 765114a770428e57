package interceptors

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"devicegate/internal/session/domain"
)

// ClientInfo parses the User-Agent and client address into device attributes for the request context.
// Run it after chi's RealIP so RemoteAddr reflects X-Forwarded-For / X-Real-IP.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := ParseUserAgent(r.UserAgent())
		attrs.IPAddress = clientIP(r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(WithClientInfo(r.Context(), attrs)))
	})
}

// ParseUserAgent derives browser, OS and device type from a raw User-Agent header.
func ParseUserAgent(raw string) domain.DeviceAttributes {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.DeviceAttributes{}
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	osInfo := ua.OSInfo()
	return domain.DeviceAttributes{
		UserAgentRaw:   raw,
		BrowserName:    name,
		BrowserVersion: version,
		OSName:         osInfo.Name,
		OSVersion:      osInfo.Version,
		DeviceType:     deviceType(ua, raw),
		IsBot:          ua.Bot(),
	}
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		return "bot"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
