package core

// AppContext carries app-level shared state into every scope construction.
// It is an explicit value, never a process global: the "common" mapping is
// shared by all connections and modules of one integration.
type AppContext struct {
	AppID  string
	Common map[string]any
}

// CommonOrEmpty returns the shared mapping, never nil.
func (c AppContext) CommonOrEmpty() map[string]any {
	if c.Common == nil {
		return map[string]any{}
	}
	return c.Common
}
