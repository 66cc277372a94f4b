package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job families. Each is its own queue, consumed by its own worker.
const (
	SendEmailQueue     = "send-email"
	LoginTrackerQueue  = "login-tracker"
	LogoutCleanupQueue = "logout-cleanup"
	RegisterUserQueue  = "registerUser"
)

// Families lists every queue name, in worker start order.
var Families = []string{SendEmailQueue, LoginTrackerQueue, LogoutCleanupQueue, RegisterUserQueue}

// Payload is the closed set of job bodies. Only the types in this file
// implement it.
type Payload interface {
	Queue() string
	payload()
}

// SendEmail points at a stored email record; the message itself is rendered
// by the worker.
type SendEmail struct {
	EmailID string `json:"email_id"`
}

type TrackLogin struct {
	AttemptID string    `json:"attempt_id"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// LogoutCleanup carries the refresh token hash, never the token itself.
type LogoutCleanup struct {
	UserID           string `json:"user_id"`
	RefreshTokenHash string `json:"refresh_token_hash,omitempty"`
	AllSessions      bool   `json:"all_sessions,omitempty"`
}

type RegisterUser struct {
	UserID string `json:"user_id"`
}

func (SendEmail) Queue() string     { return SendEmailQueue }
func (TrackLogin) Queue() string    { return LoginTrackerQueue }
func (LogoutCleanup) Queue() string { return LogoutCleanupQueue }
func (RegisterUser) Queue() string  { return RegisterUserQueue }

func (SendEmail) payload()     {}
func (TrackLogin) payload()    {}
func (LogoutCleanup) payload() {}
func (RegisterUser) payload()  {}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s: %w", p.Queue(), err)
	}
	return json.Marshal(envelope{Kind: p.Queue(), Data: data})
}

// Decode returns the concrete payload named by the envelope kind. Unknown
// kinds are an error.
func Decode(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}

	var p Payload
	switch env.Kind {
	case SendEmailQueue:
		var v SendEmail
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", env.Kind, err)
		}
		p = v
	case LoginTrackerQueue:
		var v TrackLogin
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", env.Kind, err)
		}
		p = v
	case LogoutCleanupQueue:
		var v LogoutCleanup
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", env.Kind, err)
		}
		p = v
	case RegisterUserQueue:
		var v RegisterUser
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", env.Kind, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("queue: unknown payload kind %q", env.Kind)
	}
	return p, nil
}
