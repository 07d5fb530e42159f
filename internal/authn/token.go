// Package authn implements the synchronous identity-service client, the
// token-expiry watch strategies, and the bootstrap service-token renewer
// used to learn the master tenant UUID once at process start.
package authn

import "time"

// Purpose values a token may carry.
const (
	PurposeUser        = "user"
	PurposeInternal    = "internal"
	PurposeExternalAPI = "external_api"
)

// Token is an immutable snapshot returned by a token lookup. A renewal
// produces a new Token value rather than mutating an existing one.
type Token struct {
	ID            string
	UserUUID      string
	TenantUUID    string
	SessionUUID   string
	ACL           []string
	Purpose       string
	Admin         bool
	UTCExpiresAt  time.Time
}

// IsAdminEquivalent reports whether this token should be treated as a global
// administrator for read scope: a user in the master tenant, an explicit
// admin flag, or a service/internal purpose.
func (t Token) IsAdminEquivalent(masterTenantUUID string) bool {
	if masterTenantUUID != "" && t.TenantUUID == masterTenantUUID {
		return true
	}
	if t.Admin {
		return true
	}
	return t.Purpose == PurposeInternal || t.Purpose == PurposeExternalAPI
}
