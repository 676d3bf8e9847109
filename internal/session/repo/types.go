package repo

import (
	"time"

	"computeruse/internal/compute"
	"computeruse/internal/session"
)

const sessionCacheTTL = time.Minute * 5

type SessionModel struct {
	tableName struct{} `pg:"sessions"`

	ID             string        `json:"id" pg:"id,pk"`
	OwnerID        string        `json:"owner_id" pg:"owner_id,notnull"`
	State          session.State `json:"state" pg:"state,notnull"`
	HandleID       string        `json:"handle_id" pg:"handle_id"`
	Endpoint       string        `json:"endpoint" pg:"endpoint"`
	ProbeAddr      string        `json:"probe_addr" pg:"probe_addr"`
	Reason         string        `json:"reason" pg:"reason"`
	CreatedAt      time.Time     `json:"created_at" pg:"created_at,notnull"`
	LastActivityAt time.Time     `json:"last_activity_at" pg:"last_activity_at"`
	UpdatedAt      time.Time     `json:"updated_at" pg:"updated_at"`
}

func fromSession(s *session.Session) *SessionModel {
	return &SessionModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		State:          s.State,
		HandleID:       s.Handle.ID,
		Endpoint:       s.Handle.Endpoint,
		ProbeAddr:      s.Handle.ProbeAddr,
		Reason:         s.Reason,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (m *SessionModel) toSession() *session.Session {
	return &session.Session{
		ID:      m.ID,
		OwnerID: m.OwnerID,
		State:   m.State,
		Handle: compute.Handle{
			ID:        m.HandleID,
			Endpoint:  m.Endpoint,
			ProbeAddr: m.ProbeAddr,
		},
		Reason:         m.Reason,
		CreatedAt:      m.CreatedAt,
		LastActivityAt: m.LastActivityAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func sessionCacheKey(sessionID string) string {
	return "session:" + sessionID + ":record"
}
