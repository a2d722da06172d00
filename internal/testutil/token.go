package testutil

// FixedTokenGenerator generates the same cycle token every time.
//
// The same scenario with the same FixedTokenGenerator produces byte-identical
// traces, which golden comparisons rely on.
//
// Thread-safety: FixedTokenGenerator is stateless and safe for concurrent use.
type FixedTokenGenerator struct {
	token string
}

// NewFixedTokenGenerator creates a fixed cycle token generator.
// If token is empty, Generate() returns "test-cycle-default".
func NewFixedTokenGenerator(token string) *FixedTokenGenerator {
	if token == "" {
		token = "test-cycle-default"
	}
	return &FixedTokenGenerator{token: token}
}

// Generate returns the fixed token.
func (g *FixedTokenGenerator) Generate() string {
	return g.token
}
