// Package rbac decides what a user may do with one brief. The brief's owner
// holds RoleOwner implicitly; everyone else needs a stored membership.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	// ActionRead covers the canvas, lock status, snapshots and events.
	ActionRead Action = "read"
	// ActionWrite covers the edit lock, batches, snapshots, restore and publish.
	ActionWrite Action = "write"
	// ActionAdmin covers sharing and archiving.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Grantable reports whether role may be stored on a membership. Ownership
// is not transferable through sharing.
func Grantable(role Role) bool {
	return role == RoleViewer || role == RoleEditor
}
