package interceptors

import (
	"context"

	"devicegate/internal/session/domain"
)

type contextKey struct{ name string }

var (
	identityKey   = contextKey{"identity"}
	deviceIDKey   = contextKey{"device_id"}
	clientInfoKey = contextKey{"client_info"}
)

// Identity is the authenticated caller resolved from the bearer token.
type Identity struct {
	UserID            string // local users.id
	Subject           string // IdP subject (sub)
	ExternalSessionID string // IdP session id (sid), empty if the token carries none
	Permissions       []string
}

// WithIdentity returns a context carrying id. Handlers read it via GetIdentity or GetUserID.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity and true if set.
func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok
}

// GetUserID returns the caller's local user id and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}

// WithDeviceID returns a context carrying the device id from the device cookie.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID returns the device id and true if set; otherwise "", false.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok && v != ""
}

// WithClientInfo returns a context carrying the parsed user agent and client address.
func WithClientInfo(ctx context.Context, attrs domain.DeviceAttributes) context.Context {
	return context.WithValue(ctx, clientInfoKey, attrs)
}

// GetClientInfo returns the request's device attributes (zero value if unset).
func GetClientInfo(ctx context.Context) domain.DeviceAttributes {
	v, _ := ctx.Value(clientInfoKey).(domain.DeviceAttributes)
	return v
}

// Actor builds the acting principal for session operations. The device id is attached when known.
func Actor(ctx context.Context) (domain.Actor, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return domain.Actor{}, false
	}
	actor := domain.Actor{UserID: id.UserID, Permissions: id.Permissions}
	if dev, ok := GetDeviceID(ctx); ok {
		actor.DeviceID = &dev
	}
	return actor, true
}
