package classifier

import "strings"

// anchorTokens are the byte-level keywords tier 2 searches for. Presence of
// any one of these is necessary (not sufficient) for interception.
var anchorTokens = []string{
	"cargo", "rustc", "bun", "gcc", "g++", "clang", "make", "cmake", "ninja", "meson",
}

// negativePattern describes one known-local invocation that shares an
// anchor token but must never be intercepted.
type negativePattern struct {
	binary     string
	subcommand string // empty matches the binary with no subcommand requirement
	reason     string
}

var negativePatterns = []negativePattern{
	{"cargo", "fmt", "negative_pattern:cargo_fmt"},
	{"cargo", "clean", "negative_pattern:cargo_clean"},
	{"cargo", "install", "negative_pattern:cargo_install"},
	{"cargo", "publish", "negative_pattern:cargo_publish"},
	{"cargo", "login", "negative_pattern:cargo_login"},
	{"cargo", "new", "negative_pattern:cargo_new"},
	{"cargo", "init", "negative_pattern:cargo_init"},
	{"cargo", "update", "negative_pattern:cargo_update"},
	{"cargo", "search", "negative_pattern:cargo_search"},
	{"cargo", "doc", "negative_pattern:cargo_doc_open"}, // only flagged when --open present, checked separately
	{"bun", "install", "negative_pattern:bun_install"},
	{"bun", "add", "negative_pattern:bun_add"},
	{"bun", "remove", "negative_pattern:bun_remove"},
	{"bun", "create", "negative_pattern:bun_create"},
	{"bun", "run", "negative_pattern:bun_run"},
}

var interactiveFlags = []string{"-i", "--interactive", "-it", "-ti"}

// pagerBinaries are commands a pipeline might terminate into that mean the
// output is for a human, not a build artifact consumer.
var pagerBinaries = []string{"less", "more", "head", "tail", "grep", "wc"}

// rule is one entry of the tier-4 rule table: a (binary, subcommand) pair
// mapped to a base confidence and an optional manifest file whose presence
// in the working directory raises that confidence (its absence lowers it).
type rule struct {
	binary      string
	subcommand  string // "" means "any subcommand of this binary"
	confidence  float64
	requiresManifest string // recognized manifest file that raises confidence when present
}

var ruleTable = []rule{
	{"cargo", "build", 0.95, "Cargo.toml"},
	{"cargo", "check", 0.92, "Cargo.toml"},
	{"cargo", "test", 0.9, "Cargo.toml"},
	{"cargo", "run", 0.85, "Cargo.toml"},
	{"cargo", "bench", 0.85, "Cargo.toml"},
	{"rustc", "", 0.9, ""},
	{"bun", "build", 0.9, "package.json"},
	{"bun", "test", 0.85, "package.json"},
	{"bun", "x", 0.6, "package.json"},
	{"gcc", "", 0.85, ""},
	{"g++", "", 0.85, ""},
	{"clang", "", 0.85, ""},
	{"make", "", 0.75, "Makefile"},
	{"cmake", "", 0.8, "CMakeLists.txt"},
	{"ninja", "", 0.85, "build.ninja"},
	{"meson", "compile", 0.85, "meson.build"},
}

func hasAnchor(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, a := range anchorTokens {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func matchNegative(binary, subcommand string, hasOpenFlag bool) (string, bool) {
	for _, p := range negativePatterns {
		if p.binary != binary {
			continue
		}
		if p.subcommand == "" {
			return p.reason, true
		}
		if p.subcommand == subcommand {
			if binary == "cargo" && subcommand == "doc" && !hasOpenFlag {
				continue // "cargo doc" alone is a build; only "cargo doc --open" is local-only
			}
			return p.reason, true
		}
	}
	return "", false
}

func lookupRule(binary, subcommand string) (rule, bool) {
	var fallback *rule
	for i := range ruleTable {
		r := ruleTable[i]
		if r.binary != binary {
			continue
		}
		if r.subcommand == subcommand {
			return r, true
		}
		if r.subcommand == "" {
			fallback = &ruleTable[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return rule{}, false
}
