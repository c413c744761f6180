package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Region is the datacenter tag that selects the upstream identity endpoints.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionIN Region = "in"
	RegionAU Region = "au"
	RegionJP Region = "jp"
)

// Regions lists all known regions.
var Regions = []Region{RegionUS, RegionEU, RegionIN, RegionAU, RegionJP}

// Valid reports whether the region is one of the known datacenter tags.
func (r Region) Valid() bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

// TokenEndpoint returns the identity provider's token endpoint for the region.
func (r Region) TokenEndpoint() string {
	return fmt.Sprintf("https://accounts.%s.itsmcloud.net/oauth/v2/token", r)
}

// Origin returns the scheme+host origin that tenant instance URLs in this
// region must share.
func (r Region) Origin() string {
	return fmt.Sprintf("https://sdp.%s.itsmcloud.net", r)
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantInactive  TenantStatus = "inactive"
)

// RateTier selects the numeric request budgets for a tenant.
type RateTier string

const (
	TierBasic      RateTier = "basic"
	TierStandard   RateTier = "standard"
	TierPremium    RateTier = "premium"
	TierEnterprise RateTier = "enterprise"
)

// Valid reports whether the tier is one of the known rate tiers.
func (t RateTier) Valid() bool {
	switch t {
	case TierBasic, TierStandard, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Tenant is the unit of isolation: one upstream ITSM account, one OAuth
// identity, one set of rate budgets.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Region    Region
	Status    TenantStatus
	Tier      RateTier
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuthConfig holds a tenant's encrypted OAuth credentials (1:1 with Tenant).
// The *Enc fields are ciphertexts whose associated data binds to the tenant
// name; they are only ever decrypted by the tenant registry.
type OAuthConfig struct {
	TenantID            uuid.UUID
	ClientIDEnc         string
	ClientSecretEnc     string
	RefreshTokenEnc     string
	ClientIDFingerprint string // SHA-256 of the plaintext client id, for connect-time lookup
	Scopes              []string
	InstanceURL         string
	SchemeVersion       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StoredToken is the cached access token for a tenant (1:1, may be absent).
// A token is usable only while now + safety margin < ExpiresAt.
type StoredToken struct {
	TenantID        uuid.UUID
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       time.Time
	Scopes          []string
	LastRefreshed   time.Time
	RefreshCount    int
}

// AuditOutcome is the result recorded for a refresh attempt.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

// RefreshAudit is an append-only record of a token refresh attempt. It is both
// the forensic trail and the recovery source for the refresh gate's sliding
// window after a cold start.
type RefreshAudit struct {
	ID             int64
	TenantID       uuid.UUID
	At             time.Time
	Outcome        AuditOutcome
	Classification string
	InstanceID     string
}

// TokenStats summarizes stored tokens across all tenants.
type TokenStats struct {
	Total   int
	Valid   int
	Expired int
}
