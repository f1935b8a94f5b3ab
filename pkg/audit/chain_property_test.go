//go:build property
// +build property

// Property-based tests for audit chain integrity.
package audit_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/grace-platform/grace/pkg/audit"
)

// TestChainVerifiesForAnyAppendSequence: for any sequence of appended
// records, the full chain verifies end-to-end and the head equals the last
// entry's hash.
func TestChainVerifiesForAnyAppendSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(actions []string) bool {
			log := audit.NewMemoryLog(nil)
			ctx := context.Background()

			var lastHash string
			for _, a := range actions {
				e, err := log.Append(ctx, audit.Record{Actor: "prop", Action: a, Subsystem: "test", Result: "ok"})
				if err != nil {
					return false
				}
				lastHash = e.Hash
			}

			report, err := log.VerifyIntegrity(ctx)
			if err != nil || !report.Valid {
				return false
			}
			if len(actions) > 0 && report.ChainHead != lastHash {
				return false
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
