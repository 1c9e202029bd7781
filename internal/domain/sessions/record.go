package sessions

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// record — сериализуемая форма Session; секретные поля уже запечатаны Sealer.
type record struct {
	OwnerID       int64     `json:"owner_id"`
	AppID         int       `json:"app_id"`
	AppSecret     []byte    `json:"app_secret"`
	Phone         string    `json:"phone"`
	Credential    []byte    `json:"credential"`
	Active        bool      `json:"active"`
	ClockEnabled  bool      `json:"clock_enabled"`
	OnlineEnabled bool      `json:"online_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toRecord(s Session, sealer Sealer) (record, error) {
	secret, err := sealer.Seal([]byte(s.AppSecret))
	if err != nil {
		return record{}, fmt.Errorf("seal app secret: %w", err)
	}
	cred, err := sealer.Seal(s.Credential)
	if err != nil {
		return record{}, fmt.Errorf("seal credential: %w", err)
	}
	return record{
		OwnerID:       s.OwnerID,
		AppID:         s.AppID,
		AppSecret:     secret,
		Phone:         s.Phone,
		Credential:    cred,
		Active:        s.Active,
		ClockEnabled:  s.ClockEnabled,
		OnlineEnabled: s.OnlineEnabled,
		CreatedAt:     s.CreatedAt.UTC(),
		UpdatedAt:     s.UpdatedAt.UTC(),
	}, nil
}

func fromRecord(r record, sealer Sealer) (Session, error) {
	secret, err := sealer.Open(r.AppSecret)
	if err != nil {
		return Session{}, fmt.Errorf("owner %d app secret: %w", r.OwnerID, err)
	}
	cred, err := sealer.Open(r.Credential)
	if err != nil {
		return Session{}, fmt.Errorf("owner %d credential: %w", r.OwnerID, err)
	}
	if len(cred) == 0 {
		cred = nil
	}
	return Session{
		OwnerID:       r.OwnerID,
		AppID:         r.AppID,
		AppSecret:     string(secret),
		Phone:         r.Phone,
		Credential:    cred,
		Active:        r.Active,
		ClockEnabled:  r.ClockEnabled,
		OnlineEnabled: r.OnlineEnabled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func encodeSession(s Session, sealer Sealer) ([]byte, error) {
	r, err := toRecord(s, sealer)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func decodeSession(data []byte, sealer Sealer) (Session, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return fromRecord(r, sealer)
}

// ownerKey — big-endian, чтобы курсор bbolt обходил владельцев по возрастанию id.
func ownerKey(owner int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(owner))
	return k[:]
}
