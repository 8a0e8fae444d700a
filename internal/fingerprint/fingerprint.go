// Package fingerprint synthesizes plausible, internally-consistent client
// fingerprints for accounts running in ban-evasion mode, so that an
// account's outbound User-Agent and x-stainless-* tuple do not look like a
// relay rather than whichever client kind they are mimicking.
package fingerprint

import (
	"fmt"
	"math/rand"
)

// Tuple is the consistent set of identity fields a randomized client
// presents on every outbound request for the span it was generated for.
type Tuple struct {
	UserAgent      string
	PackageVersion string
	OS             string
	Arch           string
	Runtime        string
	RuntimeVersion string
}

var kinds = []string{"claudeCli", "browser", "node", "mobile", "other"}

var osChoices = []string{"MacOS", "Windows", "Linux", "iOS", "Android"}
var archChoices = []string{"x64", "arm64", "x86", "ia32"}

// Generate picks uniformly among the known client kinds and returns a
// matching tuple via the provided *rand.Rand (pass a process-wide source,
// or a seeded one in tests for determinism).
func Generate(r *rand.Rand) Tuple {
	kind := kinds[r.Intn(len(kinds))]
	os := osChoices[r.Intn(len(osChoices))]
	arch := archChoices[r.Intn(len(archChoices))]

	switch kind {
	case "claudeCli":
		nodeVersion := 16 + r.Intn(8) // 16-23
		pkgVersion := fmt.Sprintf("1.%d.%d", r.Intn(10), r.Intn(100))
		return Tuple{
			UserAgent:      fmt.Sprintf("claude-cli/%s (external, cli)", pkgVersion),
			PackageVersion: pkgVersion,
			OS:             os,
			Arch:           arch,
			Runtime:        "node",
			RuntimeVersion: fmt.Sprintf("%d.0.0", nodeVersion),
		}
	case "node":
		nodeVersion := 16 + r.Intn(8)
		pkgVersion := fmt.Sprintf("0.%d.%d", r.Intn(30), r.Intn(100))
		return Tuple{
			UserAgent:      fmt.Sprintf("node-fetch/%s", pkgVersion),
			PackageVersion: pkgVersion,
			OS:             os,
			Arch:           arch,
			Runtime:        "node",
			RuntimeVersion: fmt.Sprintf("%d.0.0", nodeVersion),
		}
	case "browser":
		chrome := 100 + r.Intn(30) // 100-129
		return Tuple{
			UserAgent:      fmt.Sprintf("Mozilla/5.0 Chrome/%d.0.0.0 Safari/537.36", chrome),
			PackageVersion: fmt.Sprintf("%d.0.0.0", chrome),
			OS:             os,
			Arch:           arch,
			Runtime:        "browser",
			RuntimeVersion: fmt.Sprintf("%d.0.0.0", chrome),
		}
	case "mobile":
		pkgVersion := fmt.Sprintf("1.%d.%d", r.Intn(5), r.Intn(50))
		return Tuple{
			UserAgent:      fmt.Sprintf("ClaudeMobile/%s", pkgVersion),
			PackageVersion: pkgVersion,
			OS:             os,
			Arch:           arch,
			Runtime:        "mobile",
			RuntimeVersion: pkgVersion,
		}
	default: // "other"
		pkgVersion := fmt.Sprintf("%d.%d.%d", r.Intn(3), r.Intn(20), r.Intn(20))
		return Tuple{
			UserAgent:      fmt.Sprintf("sdk-other/%s", pkgVersion),
			PackageVersion: pkgVersion,
			OS:             os,
			Arch:           arch,
			Runtime:        "other",
			RuntimeVersion: pkgVersion,
		}
	}
}
