package authz

// Actions used across the platform. Any other string is a valid
// domain-specific action; actions are compared exactly.
const (
	ActionView     = "view"
	ActionViewList = "view_list"
	ActionCreate   = "create"
	ActionModify   = "modify"
	ActionDelete   = "delete"
	ActionClaim    = "claim"
	ActionAssign   = "assign"
	ActionComplete = "complete"

	// ActionIgnore marks nested specifications built for container
	// conditions. No permission is ever granted on it.
	ActionIgnore = "ignore"
)
