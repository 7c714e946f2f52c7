package waf

// Decision denotes the WAF's response to a request.
type Decision int

const (
	_ Decision = iota
	// Pass means the request was not inspected (no tenant, or WAF disabled)
	// and should be handled by the edge without a verdict.
	Pass

	// Allow means the request passed every check and should be proxied to
	// the tenant origin.
	Allow

	// Block means the request must not reach the origin.
	Block
)

// RequestDecision is the full outcome of evaluating one request.
type RequestDecision struct {
	Decision Decision
	Tenant   *Tenant

	// Populated when Decision == Block.
	Status    int
	Reason    string
	EventType string
}
