// Package fingerprint computes the deterministic cache key that names a
// run's working directory. Two runs with identical fingerprints are the
// same logical job and share cached results.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// TextSchema is the schema marker used when no structured-output schema
// is declared.
const TextSchema = "text"

// Params are the inputs that define a logical job. Everything that can
// change the set of issued requests or the interpretation of their
// responses must be represented here.
type Params struct {
	DatasetHash string
	// LogicHash identifies the observable behavior of the user-supplied
	// prompt-building logic. It must not depend on incidental state such
	// as file paths or object identity.
	LogicHash string
	Model     string
	// SchemaJSON is the structured-output schema, or empty for plain text.
	SchemaJSON string
	BatchMode  bool
	Backend    string
	// GenerationParams are order-independent; they are sorted before
	// hashing so map iteration order cannot cause spurious cache misses.
	GenerationParams map[string]any
}

// Compute returns the fixed-length fingerprint for p.
func Compute(p Params) string {
	schema := p.SchemaJSON
	if schema == "" {
		schema = TextSchema
	}

	parts := []string{
		p.DatasetHash,
		p.LogicHash,
		p.Model,
		schema,
		fmt.Sprintf("%t", p.BatchMode),
		p.Backend,
	}
	fingerprintStr := strings.Join(parts, "_")

	if len(p.GenerationParams) > 0 {
		keys := make([]string, 0, len(p.GenerationParams))
		for k := range p.GenerationParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kv := make([]string, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, fmt.Sprintf("%s=%v", k, p.GenerationParams[k]))
		}
		fingerprintStr += "_" + strings.Join(kv, ",")
	}

	return HashText(fingerprintStr)
}

// Random returns a fingerprint derived from a fresh random seed. Used
// when caching is disabled: every call gets a unique, non-reusable
// working directory.
func Random() string {
	return HashText(uuid.NewString())
}

// HashText returns the 64-bit content hash of s as a fixed-width hex string.
func HashText(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
