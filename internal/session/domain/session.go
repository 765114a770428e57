package domain

import "time"

// Status is the persisted lifecycle state of a session row.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Revocation reasons recorded on revoked rows.
const (
	ReasonUserRevoked     = "user_revoked"
	ReasonUserRevokedAll  = "user_revoked_all"
	ReasonAdminRevoked    = "admin_revoked"
	ReasonAdminRevokedAll = "admin_revoked_all"
	ReasonLogout          = "logout"
	ReasonInactivity      = "inactivity"
	ReasonProviderSignal  = "provider_signal"
)

// DeviceAttributes is the opaque client bundle produced by user-agent parsing.
// It never affects admission; it is stored for display and attribution.
type DeviceAttributes struct {
	UserAgentRaw   string
	BrowserName    string
	BrowserVersion string
	OSName         string
	OSVersion      string
	DeviceType     string
	IsBot          bool
	IPAddress      string
}

// Revocation is the terminal state of a session. ByDeviceID is nil for
// provider-initiated, administrative and self revocations.
type Revocation struct {
	Reason     string
	ByDeviceID *string
	At         time.Time
}

// Session is one device's claim to access for one user.
// A nil Revocation means the session is active; there is no other way to express status.
type Session struct {
	ID                string
	UserID            string
	DeviceID          string
	ExternalSessionID *string // nil until the IdP session id is known
	Attributes        DeviceAttributes
	Revocation        *Revocation
	LastSeen          time.Time
	CreatedAt         time.Time
}

// Status derives the stored status from the revocation state.
func (s *Session) Status() Status {
	if s.Revocation != nil {
		return StatusRevoked
	}
	return StatusActive
}

// IsActive reports whether the session still holds a device slot.
func (s *Session) IsActive() bool {
	return s.Revocation == nil
}

// Revoke moves an active session to revoked. It returns false, leaving the
// existing revocation untouched, when the session was already revoked.
func (s *Session) Revoke(reason string, byDeviceID *string, at time.Time) bool {
	if s.Revocation != nil {
		return false
	}
	s.Revocation = &Revocation{Reason: reason, ByDeviceID: cloneString(byDeviceID), At: at}
	return true
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ExternalSessionID = cloneString(s.ExternalSessionID)
	if s.Revocation != nil {
		r := *s.Revocation
		r.ByDeviceID = cloneString(s.Revocation.ByDeviceID)
		c.Revocation = &r
	}
	return &c
}

// Actor is the identity performing a session operation.
type Actor struct {
	UserID      string
	DeviceID    *string
	Permissions []string
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
