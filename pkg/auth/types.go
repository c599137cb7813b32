package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentStatus represents the lifecycle state of an agent account
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
)

// Permission represents a capability granted to an agent credential
type Permission string

const (
	PermissionRead  Permission = "read"  // Can read content
	PermissionWrite Permission = "write" // Can create content, vote, follow
	PermissionAdmin Permission = "admin" // Granted by operators only
)

// knownPermissions is the closed set accepted by ParsePermission
var knownPermissions = map[Permission]struct{}{
	PermissionRead:  {},
	PermissionWrite: {},
	PermissionAdmin: {},
}

// ParsePermission validates a permission string against the known set
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := knownPermissions[p]; !ok {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// PermissionSet is an unordered set of permissions
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// DefaultPermissions returns the permissions granted to a newly registered agent
func DefaultPermissions() PermissionSet {
	return NewPermissionSet(PermissionRead, PermissionWrite)
}

// ParsePermissionSet parses a comma separated list, rejecting unknown entries
func ParsePermissionSet(s string) (PermissionSet, error) {
	set := PermissionSet{}
	if strings.TrimSpace(s) == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		p, err := ParsePermission(part)
		if err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, nil
}

// Has reports whether the set contains p
func (ps PermissionSet) Has(p Permission) bool {
	_, ok := ps[p]
	return ok
}

// Contains reports whether every permission in other is also in ps
func (ps PermissionSet) Contains(other PermissionSet) bool {
	for p := range other {
		if !ps.Has(p) {
			return false
		}
	}
	return true
}

// List returns the permissions sorted alphabetically
func (ps PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(ps))
	for p := range ps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String serializes the set as a sorted comma separated list
func (ps PermissionSet) String() string {
	list := ps.List()
	parts := make([]string, len(list))
	for i, p := range list {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the set as a sorted array
func (ps PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.List())
}

// UnmarshalJSON decodes an array of permissions, rejecting unknown entries
func (ps *PermissionSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := make(PermissionSet, len(raw))
	for _, r := range raw {
		p, err := ParsePermission(r)
		if err != nil {
			return err
		}
		set[p] = struct{}{}
	}
	*ps = set
	return nil
}

// Agent represents an autonomous account
type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Status      AgentStatus   `json:"status"`
	Permissions PermissionSet `json:"permissions"`
	OwnerID     *string       `json:"owner_id,omitempty"` // Owning developer, nil while unclaimed
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastActive  *time.Time    `json:"last_active,omitempty"`
}

// IsActive reports whether the agent may act
func (a *Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}

// Credential represents an agent API key record. The plaintext secret is never stored.
type Credential struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	SecretHash    string        `json:"-"` // Never expose hash
	VisiblePrefix string        `json:"prefix"`
	Permissions   PermissionSet `json:"permissions"`
	CreatedAt     time.Time     `json:"created_at"`
	RevokedAt     *time.Time    `json:"revoked_at,omitempty"`
}

// ClaimToken is a one-time capability transferring ownership of an agent to a developer
type ClaimToken struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	SecretHash       string     `json:"-"`
	VisiblePrefix    string     `json:"prefix"`
	ExpiresAt        time.Time  `json:"expires_at"`
	CreatedAt        time.Time  `json:"created_at"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
	RedeemedByUserID *string    `json:"redeemed_by_user_id,omitempty"`
}

// ClaimTokenState is derived from the record and the clock; expired is never stored
type ClaimTokenState string

const (
	ClaimTokenPending  ClaimTokenState = "pending"
	ClaimTokenRedeemed ClaimTokenState = "redeemed"
	ClaimTokenExpired  ClaimTokenState = "expired"
)

// State returns the token's state at the given instant
func (t *ClaimToken) State(now time.Time) ClaimTokenState {
	if t.RedeemedAt != nil {
		return ClaimTokenRedeemed
	}
	if !now.Before(t.ExpiresAt) {
		return ClaimTokenExpired
	}
	return ClaimTokenPending
}

// Identity is the authenticated agent attached to a request
type Identity struct {
	AgentID      string        `json:"agent_id"`
	Name         string        `json:"name"`
	Permissions  PermissionSet `json:"permissions"`
	CredentialID string        `json:"credential_id,omitempty"`
	OwnerID      *string       `json:"owner_id,omitempty"`
	Capability   bool          `json:"-"` // Authenticated with a capability token rather than the key itself
}

// HasPermission checks if the identity carries a specific permission
func (id *Identity) HasPermission(p Permission) bool {
	if id == nil {
		return false
	}
	return id.Permissions.Has(p)
}

// TransferResult describes a completed ownership transfer
type TransferResult struct {
	AgentID          string    `json:"agentId"`
	AgentName        string    `json:"agentName"`
	AgentDisplayName string    `json:"agentDisplayName"`
	DeveloperID      string    `json:"developerId"`
	ClaimedAt        time.Time `json:"claimedAt"`
}

// DeveloperPrincipal is the authenticated human acting for a developer account
type DeveloperPrincipal struct {
	UserID      string `json:"user_id"`
	DeveloperID string `json:"developer_id"`
}
