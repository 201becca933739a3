package auth

import "strings"

// Immutable tenant attributes. Fixed at creation; no caller role may
// change them afterwards, including the top platform role.
var immutableTenantFields = map[string]struct{}{
	"business_type": {},
}

// IsolationGuard enforces tenant boundaries on resolved contexts.
type IsolationGuard struct{}

// EnforceBoundary passes only when the context's tenant exactly matches
// the tenant the request targets. A mismatch is a hard failure, never a
// redirect to the caller's own tenant. Global platform admins cross
// boundaries by definition; scoped admins are checked by country via
// ApplyCountryScope on the data they read.
func (IsolationGuard) EnforceBoundary(c Context, requestedTenantID string) error {
	requestedTenantID = strings.TrimSpace(requestedTenantID)
	if c.Platform != nil {
		if c.Platform.Global {
			return nil
		}
		// Scoped admins hold no tenant binding; record-level country
		// filtering applies instead. An explicit tenant target still
		// needs a non-empty scope.
		if len(c.Platform.CountryCodes) == 0 {
			return ErrScopeRequired
		}
		return nil
	}
	if requestedTenantID == "" || c.TenantID == "" || c.TenantID != requestedTenantID {
		return ErrTenantIsolation
	}
	return nil
}

// BlockImmutableMutation rejects writes touching immutable tenant
// attributes with a fixed error regardless of caller role.
func (IsolationGuard) BlockImmutableMutation(fieldName string) error {
	if _, ok := immutableTenantFields[strings.ToLower(strings.TrimSpace(fieldName))]; ok {
		return ErrImmutableField
	}
	return nil
}

// CountryScoped is anything filterable by country code.
type CountryScoped interface {
	CountryCode() string
}

// ApplyCountryScope filters records for scoped platform-admin reads.
// An empty scope short-circuits to an empty result set: fail closed,
// never unfiltered.
func ApplyCountryScope[T CountryScoped](scope PlatformScope, records []T) []T {
	if scope.Global {
		return records
	}
	if len(scope.CountryCodes) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(scope.CountryCodes))
	for _, c := range scope.CountryCodes {
		allowed[c] = struct{}{}
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		if _, ok := allowed[r.CountryCode()]; ok {
			out = append(out, r)
		}
	}
	return out
}

// CountryCode satisfies CountryScoped for tenants.
func (t Tenant) CountryCode() string { return t.Country }
