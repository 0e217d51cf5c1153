package gateway

// The closed operation set. Anything else is rejected at the HTTP boundary
// without touching the upstream.
const (
	OpSearch        = "search"
	OpSearchRead    = "search_read"
	OpSearchCount   = "search_count"
	OpRead          = "read"
	OpNameSearch    = "name_search"
	OpNameGet       = "name_get"
	OpFieldsGet     = "fields_get"
	OpWebSearchRead = "web_search_read"
	OpWebRead       = "web_read"

	OpCreate  = "create"
	OpWrite   = "write"
	OpUnlink  = "unlink"
	OpWebSave = "web_save"

	OpCallKw = "call_kw"
)

// cacheableOpOrder drives invalidation pattern generation; kept stable so
// patterns are deterministic.
var cacheableOpOrder = []string{
	OpSearch, OpSearchRead, OpSearchCount, OpRead,
	OpNameSearch, OpNameGet, OpFieldsGet, OpWebSearchRead, OpWebRead,
}

var cacheableOps = map[string]bool{
	OpSearch:        true,
	OpSearchRead:    true,
	OpSearchCount:   true,
	OpRead:          true,
	OpNameSearch:    true,
	OpNameGet:       true,
	OpFieldsGet:     true,
	OpWebSearchRead: true,
	OpWebRead:       true,
}

var writeOps = map[string]bool{
	OpCreate:  true,
	OpWrite:   true,
	OpUnlink:  true,
	OpWebSave: true,
}

// ValidOp reports whether op belongs to the closed set.
func ValidOp(op string) bool {
	return cacheableOps[op] || writeOps[op] || op == OpCallKw
}

// WriteOp reports whether op mutates upstream state.
func WriteOp(op string) bool {
	return writeOps[op]
}
