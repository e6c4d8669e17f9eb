package auth

// Scopes understood by the ledger API.
const (
	ScopeActivityWrite = "activity:write"
	ScopeActivityRead  = "activity:read"
	ScopeActivityAdmin = "activity:admin"
)
