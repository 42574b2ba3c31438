package domain

// SubjectType differentiates platform operators from tenant callers.
type SubjectType string

const (
	SubjectTypeAdmin  SubjectType = "ADMIN"
	SubjectTypeTenant SubjectType = "TENANT"
)

// Principal represents the authenticated caller of the billing API.
type Principal struct {
	SubjectID string
	Subject   SubjectType
	TenantID  *string
}

// IsAdmin reports whether the principal may call administrative routes.
func (p Principal) IsAdmin() bool {
	return p.Subject == SubjectTypeAdmin
}

// CanAccessTenant reports whether the principal may act on the given tenant.
func (p Principal) CanAccessTenant(tenantID string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.Subject == SubjectTypeTenant && p.TenantID != nil && *p.TenantID == tenantID
}
