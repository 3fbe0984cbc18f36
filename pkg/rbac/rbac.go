package rbac

// Permissions.
const (
	// Sensitive operations.
	PermissionSendNotification = "notification:send"
	PermissionReplayOutbox     = "outbox:replay"

	// Regular operations.
	PermissionReadNotification = "notification:read"
	PermissionTestNotification = "notification:test"
	PermissionManageSettings   = "settings:manage"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadNotification,
		PermissionTestNotification,
		PermissionManageSettings,
	},
	RoleAdmin: {
		PermissionReadNotification,
		PermissionTestNotification,
		PermissionManageSettings,
		PermissionSendNotification,
		PermissionReplayOutbox,
	},
}

// HasPermission checks whether a role grants a permission. Unknown
// roles grant nothing.
func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission returns a typed error instead of a bool, for handlers.
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
