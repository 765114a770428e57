package interceptors

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeviceCookie issues and reads the per-browser device id cookie.
type DeviceCookie struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// Middleware puts the cookie's device id in the request context. A missing or malformed
// cookie is replaced with a fresh random UUID.
func (c DeviceCookie) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := ""
		if ck, err := r.Cookie(c.Name); err == nil {
			if _, err := uuid.Parse(ck.Value); err == nil {
				deviceID = ck.Value
			}
		}
		if deviceID == "" {
			deviceID = uuid.NewString()
			http.SetCookie(w, c.cookie(deviceID, int(c.MaxAge.Seconds())))
		}
		next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), deviceID)))
	})
}

// Clear expires the device cookie (logout with cleanup).
func (c DeviceCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

func (c DeviceCookie) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
