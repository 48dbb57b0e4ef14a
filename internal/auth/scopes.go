package auth

// Known OAuth scopes used by the engine's request layer.
const (
	ScopeActivityRead   = "activity:read"
	ScopeWorkspaceAdmin = "workspace:admin"
)
