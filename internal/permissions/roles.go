package permissions

// Built-in roles
const (
	RoleViewer       = "viewer"
	RoleAuthor       = "author"
	RoleReviewer     = "reviewer"
	RoleApprover     = "approver"
	RoleInvestigator = "investigator"
	RoleQAManager    = "qa_manager"
	RoleAdmin        = "admin"
)

var roleCapabilities = map[string][]Capability{
	RoleViewer:       {CapRead},
	RoleAuthor:       {CapRead, CapComment, CapEdit, CapSubmit, CapWithdraw},
	RoleReviewer:     {CapRead, CapComment, CapReview},
	RoleApprover:     {CapRead, CapComment, CapApprove},
	RoleInvestigator: {CapRead, CapComment, CapInvestigate, CapImplement},
	RoleQAManager: {
		CapRead, CapComment, CapSubmit, CapReview, CapApprove, CapVerify,
		CapEscalate, CapReassign, CapRelease,
	},
	RoleAdmin: {CapAdmin},
}

// RoleCapabilities returns the fixed capability set of a role.
// Unknown roles grant nothing.
func RoleCapabilities(role string) []Capability {
	caps := roleCapabilities[role]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// ValidRole reports whether role is a built-in role
func ValidRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}
