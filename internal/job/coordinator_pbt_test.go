package job

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDedupeNumbersProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	numberGen := gen.SliceOf(gen.OneConstOf(
		"611111111", " 611111111 ", "622222222", "633333333", "", "  ", "644444444",
	))

	properties.Property("output has no duplicates", prop.ForAll(
		func(numbers []string) bool {
			out := dedupeNumbers(numbers)
			seen := make(map[string]bool, len(out))
			for _, n := range out {
				if seen[n] {
					return false
				}
				seen[n] = true
			}
			return true
		},
		numberGen,
	))

	properties.Property("output contains no empty entries", prop.ForAll(
		func(numbers []string) bool {
			for _, n := range dedupeNumbers(numbers) {
				if strings.TrimSpace(n) == "" {
					return false
				}
			}
			return true
		},
		numberGen,
	))

	properties.Property("every output entry appears in the input", prop.ForAll(
		func(numbers []string) bool {
			input := make(map[string]bool, len(numbers))
			for _, n := range numbers {
				input[strings.TrimSpace(n)] = true
			}
			for _, n := range dedupeNumbers(numbers) {
				if !input[n] {
					return false
				}
			}
			return true
		},
		numberGen,
	))

	properties.Property("first occurrence order is preserved", prop.ForAll(
		func(numbers []string) bool {
			out := dedupeNumbers(numbers)
			next := 0
			seen := make(map[string]bool, len(numbers))
			for _, raw := range numbers {
				n := strings.TrimSpace(raw)
				if n == "" || seen[n] {
					continue
				}
				seen[n] = true
				if next >= len(out) || out[next] != n {
					return false
				}
				next++
			}
			return next == len(out)
		},
		numberGen,
	))

	properties.Property("dedupe is idempotent", prop.ForAll(
		func(numbers []string) bool {
			once := dedupeNumbers(numbers)
			twice := dedupeNumbers(once)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				if once[i] != twice[i] {
					return false
				}
			}
			return true
		},
		numberGen,
	))

	properties.TestingRun(t)
}
