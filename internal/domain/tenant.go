package domain

// MaxTenantIDLength bounds tenant identifiers.
const MaxTenantIDLength = 64

// ValidTenantID reports whether id is usable as a tenant: 1 to 64 ASCII
// letters, digits, '-' or '_'. Tenants become cache key segments and NATS
// subject tokens, so separators and wildcards are refused.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > MaxTenantIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
