package testutil

// FixedIDGenerator generates the same identifier every time.
//
// Used for node ids in tests, where a repository must keep one id across
// restarts to receive the invalidations queued for it.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a new fixed identifier generator.
//
// If id is empty, Generate() returns "test-node-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-node-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed identifier.
//
// Implements ident.Generator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
