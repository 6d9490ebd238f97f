package security

import (
	"fmt"
	"net/http"
	"strings"
)

// Storefront roles.
const (
	RoleCustomer   = "customer"
	RoleSales      = "sales"
	RoleSalesAdmin = "sales_admin"
	RoleWarehouse  = "warehouse"
	RoleAdmin      = "admin"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleCustomer, RoleSales, RoleSalesAdmin, RoleWarehouse, RoleAdmin}

var (
	everyone = []string{RoleCustomer, RoleSales, RoleSalesAdmin, RoleWarehouse, RoleAdmin}
	staff    = []string{RoleSales, RoleSalesAdmin, RoleWarehouse, RoleAdmin}
	managers = []string{RoleSalesAdmin, RoleAdmin}
)

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method, "*" for any
	Pattern string // path with {param} wildcards, matched as a prefix
	Roles   []string
}

// permissions is checked top to bottom; the first method+pattern match decides.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/api/status", Roles: everyone},
	{Method: "GET", Pattern: "/api/updates", Roles: everyone},
	{Method: "POST", Pattern: "/api/updates/{id}/rollback", Roles: everyone},
	{Method: "POST", Pattern: "/api/updates/retry", Roles: everyone},
	{Method: "POST", Pattern: "/api/updates", Roles: everyone},
	{Method: "DELETE", Pattern: "/api/updates", Roles: managers},
	{Method: "POST", Pattern: "/api/queue/drain", Roles: staff},
	{Method: "GET", Pattern: "/api/queue", Roles: staff},
	{Method: "POST", Pattern: "/api/queue", Roles: everyone},
	{Method: "DELETE", Pattern: "/api/queue", Roles: managers},
	{Method: "GET", Pattern: "/api/errors", Roles: managers},
}

// IsValidRole reports whether role is one of ValidRoles.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// CheckPermission checks if the given role is allowed to access method+path.
// Admin always has access; unknown routes are admin-only.
func CheckPermission(role, method, path string) bool {
	if role == RoleAdmin {
		return true
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if perm.Method != "*" && perm.Method != method {
			continue
		}
		if !matchRoute(perm.Pattern, path) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

// RequirePermission returns middleware that checks the JWT role against the
// permission table. Requests without claims pass (dev mode, no secret set).
func RequirePermission() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchRoute checks if a path matches a route pattern (prefix-based with {id} wildcards).
func matchRoute(pattern, path string) bool {
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) {
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
