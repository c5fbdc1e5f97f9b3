package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeSignUp         EventType = "auth.sign_up"
	EventTypeSignIn         EventType = "auth.sign_in"
	EventTypeSignInFailed   EventType = "auth.sign_in_failed"
	EventTypeSignOut        EventType = "auth.sign_out"
	EventTypeSocialSignIn   EventType = "auth.social_sign_in"
	EventTypePasswordReset  EventType = "auth.password_reset"
	EventTypeEmailVerified  EventType = "auth.email_verified"
	EventTypeEmailChanged   EventType = "auth.email_changed"
	EventTypeSessionsRevoke EventType = "auth.sessions_revoke"

	// Admin events
	EventTypeImpersonateStart EventType = "admin.impersonate_start"
	EventTypeImpersonateStop  EventType = "admin.impersonate_stop"
	EventTypeRoleChange       EventType = "admin.role_change"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and target; both optional since failed sign-ins have neither
	ActorUserID  *int64 `json:"actor_user_id,omitempty"`
	TargetUserID *int64 `json:"target_user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Message string `json:"message,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}
}

// WithActor sets the acting user.
func (e *Event) WithActor(userID int64) *Event {
	e.ActorUserID = &userID
	return e
}

// WithTarget sets the user the action was performed on.
func (e *Event) WithTarget(userID int64) *Event {
	e.TargetUserID = &userID
	return e
}

// WithSession records the session the action ran under.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithRequest records the calling client's address and agent.
func (e *Event) WithRequest(ipAddress, userAgent string) *Event {
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// WithMessage sets a human-readable description.
func (e *Event) WithMessage(message string) *Event {
	e.Message = message
	return e
}

// SearchFilter narrows an audit log listing.
type SearchFilter struct {
	EventType EventType
	UserID    *int64 // Matches actor or target
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
