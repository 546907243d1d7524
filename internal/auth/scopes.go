package auth

const (
	ScopeOpenID       = "openid"
	ScopeProfile      = "profile"
	ScopeEmail        = "email"
	ScopeTenantsRead  = "tenants:read"
	ScopeTenantsWrite = "tenants:write"
)

// AllScopes defines the full set of scopes requested by the operator login
// and the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeTenantsRead,
	ScopeTenantsWrite,
}
