package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	// ActionRead covers guarded aggregate reads and comment search.
	ActionRead Action = "read"
	// ActionExport validates team-level exports.
	ActionExport Action = "export"
	// ActionTriage acknowledges and resolves alerts.
	ActionTriage Action = "triage"
	// ActionConfigure changes privacy settings and survey plans.
	ActionConfigure Action = "configure"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionExport || action == ActionTriage
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
