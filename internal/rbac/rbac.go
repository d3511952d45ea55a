package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleChair  Role = "chair"
)

const (
	ActionRead     Action = "read"
	ActionSubmit   Action = "submit"
	ActionComment  Action = "comment"
	ActionReview   Action = "review"
	ActionApprove  Action = "approve"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

// grants is the closed capability table; authorization is a single lookup,
// no role hierarchy.
var grants = map[Role]map[Action]bool{
	RoleMember: {
		ActionRead:    true,
		ActionSubmit:  true,
		ActionComment: true,
	},
	RoleEditor: {
		ActionRead:    true,
		ActionSubmit:  true,
		ActionComment: true,
		ActionReview:  true,
		ActionApprove: true,
	},
	RoleChair: {
		ActionRead:     true,
		ActionSubmit:   true,
		ActionComment:  true,
		ActionReview:   true,
		ActionApprove:  true,
		ActionModerate: true,
	},
	RoleAdmin: {
		ActionRead:     true,
		ActionSubmit:   true,
		ActionComment:  true,
		ActionReview:   true,
		ActionApprove:  true,
		ActionModerate: true,
		ActionAdmin:    true,
	},
}

func Can(role Role, action Action) bool {
	return grants[role][action]
}

// Known reports whether role is one of the defined roles.
func Known(role string) bool {
	_, ok := grants[Role(role)]
	return ok
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleEditor, RoleAdmin, RoleChair:
		return Role(role)
	default:
		return RoleMember
	}
}

// IsReviewer reports whether the role may act on submissions in review.
func IsReviewer(role Role) bool {
	return Can(role, ActionReview)
}
