package girder

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a Girder REST error response.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Notification Types
// ============================================================================

// Notification is the wire format for all server-pushed events. Every record
// carries at least a "type" field, which becomes the routing key
// ("event.<type>"); the rest of the record is passed through verbatim.
type Notification struct {
	ID      string          `json:"_id,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Time    float64         `json:"time,omitempty"`
	Updated float64         `json:"updated,omitempty"`

	// Raw holds the record exactly as received. For "error" publications
	// it is the only populated field.
	Raw []byte `json:"-"`
}

// Decode unmarshals the Data field into the provided type.
func (n *Notification) Decode(v interface{}) error {
	if n.Data == nil {
		return nil
	}
	return json.Unmarshal(n.Data, v)
}

// Progress states reported in "progress" notifications.
const (
	ProgressActive  = "active"
	ProgressSuccess = "success"
	ProgressError   = "error"
	ProgressEmpty   = "empty"
)

// ProgressPayload is the data field of a "progress" notification.
type ProgressPayload struct {
	Title        string  `json:"title,omitempty"`
	Message      string  `json:"message,omitempty"`
	Current      float64 `json:"current"`
	Total        float64 `json:"total"`
	State        string  `json:"state,omitempty"`
	EstimateTime bool    `json:"estimateTime,omitempty"`
	ResourceName string  `json:"resourceName,omitempty"`
}

// JobProgress is the progress sub-document of a job.
type JobProgress struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
	Message string  `json:"message,omitempty"`
}

// JobStatusPayload is the data field of a "job_status" notification.
type JobStatusPayload struct {
	ID       string       `json:"_id"`
	Title    string       `json:"title,omitempty"`
	JobType  string       `json:"type,omitempty"`
	Status   int          `json:"status"`
	Progress *JobProgress `json:"progress,omitempty"`
}

// ============================================================================
// Auth Types
// ============================================================================

// AuthToken is a session token issued by the server.
type AuthToken struct {
	Token   string `json:"token"`
	Expires string `json:"expires,omitempty"`
}

// AuthUser is the user document returned on authentication.
type AuthUser struct {
	ID        string `json:"_id"`
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

// AuthResult is the response from GET /user/authentication.
type AuthResult struct {
	AuthToken AuthToken `json:"authToken"`
	User      AuthUser  `json:"user"`
	Message   string    `json:"message,omitempty"`
}
