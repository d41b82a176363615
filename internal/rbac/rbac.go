package rbac

type Role string
type Action string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

const (
	// ActionRead covers reading a clinical record and its history.
	ActionRead Action = "read"
	// ActionAppend covers adding entries to one's own medical history.
	ActionAppend Action = "append"
	// ActionWrite covers unrestricted record writes, including replacing
	// or removing stored history entries.
	ActionWrite Action = "write"
	// ActionManage covers roster administration, search and exports.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleDoctor:
		return true
	case RolePatient:
		return action == ActionRead || action == ActionAppend
	default:
		return false
	}
}

func Normalize(role string) (Role, bool) {
	switch Role(role) {
	case RoleDoctor, RolePatient:
		return Role(role), true
	default:
		return "", false
	}
}
