package sessions

import (
	"time"

	"github.com/google/uuid"
)

// Record is the session blob persisted for a logged-in user. Only SID, Sub
// and ExpiresAt are interpreted by the Store; the rest is carried verbatim.
type Record struct {
	// SID is the OIDC session id claim of the login that created the session.
	SID string `json:"sid,omitempty"`
	// Sub is the OIDC subject.
	Sub string `json:"sub,omitempty"`
	// ExpiresAt is the absolute expiry of the session. Refreshing a session
	// rewrites the record with a later ExpiresAt.
	ExpiresAt time.Time `json:"expires_at"`
	// CreatedAt is filled in by the Store on the first write when zero.
	CreatedAt time.Time `json:"created_at"`

	Tokens TokenSet       `json:"tokens"`
	User   map[string]any `json:"user,omitempty"`
}

// TokenSet holds the tokens obtained at login or refresh.
type TokenSet struct {
	AccessToken  string `json:"access_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// LogoutToken carries the claims of a verified back-channel logout token that
// select sessions for invalidation. Either field may be empty.
type LogoutToken struct {
	SID string
	Sub string
}

// IsZero reports whether the token selects no sessions.
func (t LogoutToken) IsZero() bool { return t.SID == "" && t.Sub == "" }

// NewID allocates a fresh session id. Ids are never reused, so a new login
// can't resurrect a deleted session.
func NewID() string { return uuid.NewString() }

// SIDKey is the index key listing the sessions of an OIDC session id.
func SIDKey(sid string) string { return "sid:" + sid }

// SubKey is the index key listing the sessions of a subject.
func SubKey(sub string) string { return "sub:" + sub }

func indexKeys(sid, sub string) []string {
	keys := make([]string, 0, 2)
	if sid != "" {
		keys = append(keys, SIDKey(sid))
	}
	if sub != "" {
		keys = append(keys, SubKey(sub))
	}
	return keys
}
