package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"
	RoleOperator        = "operator" // sends messages, edits flows
	RoleAnalyst         = "analyst"
	RoleFinance         = "finance"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// Permission is a capability checked by Require.
type Permission string

const (
	PermViewBilling  Permission = "billing:view"
	PermViewReports  Permission = "reports:view"
	PermSendMessages Permission = "messages:send"
	PermManageFlows  Permission = "flows:manage"
	// PermGrantCredits is platform-level: it may target any organization.
	PermGrantCredits Permission = "credits:grant"
)

// grants lists what each visible role may do. super_admin is implicit.
var grants = map[string][]Permission{
	RoleOwner:    {PermViewBilling, PermViewReports, PermSendMessages, PermManageFlows},
	RoleOperator: {PermSendMessages, PermManageFlows},
	RoleAnalyst:  {PermViewReports, PermViewBilling},
	RoleFinance:  {PermViewBilling, PermViewReports, PermGrantCredits},
}

// Can reports whether role holds p. Hidden roles hold nothing.
func Can(role string, p Permission) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, g := range grants[role] {
		if g == p {
			return true
		}
	}
	return false
}
