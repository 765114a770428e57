package handler

import (
	"time"

	"devicegate/internal/session/domain"
)

type sessionJSON struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	DeviceID          string          `json:"deviceId"`
	ExternalSessionID *string         `json:"externalSessionId,omitempty"`
	Status            string          `json:"status"`
	Current           bool            `json:"current"`
	Device            deviceJSON      `json:"device"`
	Revocation        *revocationJSON `json:"revocation,omitempty"`
	LastSeen          time.Time       `json:"lastSeen"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type deviceJSON struct {
	UserAgent      string `json:"userAgent,omitempty"`
	BrowserName    string `json:"browserName,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OSName         string `json:"osName,omitempty"`
	OSVersion      string `json:"osVersion,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	IsBot          bool   `json:"isBot"`
	IPAddress      string `json:"ipAddress,omitempty"`
}

type revocationJSON struct {
	Reason     string    `json:"reason"`
	ByDeviceID *string   `json:"byDeviceId,omitempty"`
	At         time.Time `json:"at"`
}

func toSessionJSON(s *domain.Session, callerDeviceID string) sessionJSON {
	a := s.Attributes
	out := sessionJSON{
		ID:                s.ID,
		UserID:            s.UserID,
		DeviceID:          s.DeviceID,
		ExternalSessionID: s.ExternalSessionID,
		Status:            string(s.Status()),
		Current:           callerDeviceID != "" && s.DeviceID == callerDeviceID,
		Device: deviceJSON{
			UserAgent:      a.UserAgentRaw,
			BrowserName:    a.BrowserName,
			BrowserVersion: a.BrowserVersion,
			OSName:         a.OSName,
			OSVersion:      a.OSVersion,
			DeviceType:     a.DeviceType,
			IsBot:          a.IsBot,
			IPAddress:      a.IPAddress,
		},
		LastSeen:  s.LastSeen,
		CreatedAt: s.CreatedAt,
	}
	if rv := s.Revocation; rv != nil {
		out.Revocation = &revocationJSON{Reason: rv.Reason, ByDeviceID: rv.ByDeviceID, At: rv.At}
	}
	return out
}

func toSessionsJSON(sessions []*domain.Session, callerDeviceID string) []sessionJSON {
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionJSON(s, callerDeviceID))
	}
	return out
}
