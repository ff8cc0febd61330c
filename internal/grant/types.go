package grant

import "errors"

// Scope is a named permission unit limiting what a token authorizes.
type Scope string

// The fixed scope catalog. Tokens may carry any subset of these.
const (
	ScopeReadLab         Scope = "read-lab"
	ScopeReadConsult     Scope = "read-consult"
	ScopeWriteConsult    Scope = "write-consult"
	ScopeReadImaging     Scope = "read-imaging"
	ScopeEmergencyAccess Scope = "emergency-access"
)

// Valid reports whether the scope is part of the catalog.
func (s Scope) Valid() bool {
	switch s {
	case ScopeReadLab, ScopeReadConsult, ScopeWriteConsult, ScopeReadImaging, ScopeEmergencyAccess:
		return true
	}
	return false
}

const (
	// MaxScopes bounds the number of scopes a single token may carry.
	MaxScopes = 5
	// MaxTermsLen bounds the free-text terms attached at mint.
	MaxTermsLen = 200
	// MaxNotesLen bounds the free-text notes attached to audit entries.
	MaxNotesLen = 200
)

// Action identifies the kind of event recorded in a token's audit trail.
type Action string

const (
	ActionMinted      Action = "minted"
	ActionTransferred Action = "transferred"
	ActionRevoked     Action = "revoked"
	ActionAccessed    Action = "accessed"
)

// Token is a transferable, time-bound access permission over one
// patient's records. IssuedAt and ExpiresAt are ledger times, not wall
// clock.
type Token struct {
	ID        int64   `json:"id"`
	OwnerID   string  `json:"owner_id"`
	Holder    string  `json:"holder"`
	GrantedTo string  `json:"granted_to"`
	Scopes    []Scope `json:"scopes"`
	IssuedAt  uint64  `json:"issued_at"`
	ExpiresAt uint64  `json:"expires_at"`
	Terms     string  `json:"terms,omitempty"`
	Active    bool    `json:"active"`
}

// Usable reports whether the token authorizes anything at the given
// ledger time. Derived on every check, never stored.
func (t Token) Usable(now uint64) bool {
	return t.Active && now < t.ExpiresAt
}

// AuditEntry is one immutable, sequenced record of an action taken
// against a token. Seq is zero-based and contiguous per token.
type AuditEntry struct {
	TokenID   int64  `json:"token_id"`
	Seq       int64  `json:"seq"`
	Action    Action `json:"action"`
	Actor     string `json:"actor"`
	Timestamp uint64 `json:"timestamp"`
	Notes     string `json:"notes,omitempty"`
}

// Business-rule failures. Every public operation returns one of these
// for expected conditions; anything else is an infrastructure error.
var (
	ErrInvalidOwner     = errors.New("grant: owner unknown or not verified")
	ErrNotOwner         = errors.New("grant: caller is not the record owner")
	ErrInvalidScope     = errors.New("grant: invalid scope")
	ErrInvalidDuration  = errors.New("grant: invalid duration or annotation")
	ErrInvalidRecipient = errors.New("grant: invalid recipient")
	ErrTokenNotFound    = errors.New("grant: token not found")
	ErrTokenExpired     = errors.New("grant: token inactive or expired")
	ErrNotTokenHolder   = errors.New("grant: caller is not the token holder")
	ErrUnauthorized     = errors.New("grant: caller is neither owner nor holder")
)
