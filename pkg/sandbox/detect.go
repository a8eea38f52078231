package sandbox

import (
	"log/slog"
	"regexp"
)

// ModuleKind is the JavaScript module flavor a function executes as.
type ModuleKind string

const (
	ModuleESM ModuleKind = "esm"
	ModuleCJS ModuleKind = "cjs"
)

var (
	esmPattern = regexp.MustCompile(`(?m)^\s*(import\s+[\w{*\s,}]+\s+from\s+['"]|import\s*\(|import\s+['"]|export\s+(default|const|let|var|function|class|async|\{))`)
	cjsPattern = regexp.MustCompile(`(?m)(\brequire\s*\(\s*['"]|module\.exports\b|exports\.\w+\s*=)`)
)

// DetectModuleKind classifies function source as ESM or CJS from its
// import surface. Source using both styles runs as ESM since ESM can
// load CommonJS dependencies but not the reverse. Source using neither
// runs as CJS.
func DetectModuleKind(code string) ModuleKind {
	esm := esmPattern.MatchString(code)
	cjs := cjsPattern.MatchString(code)
	switch {
	case esm && cjs:
		slog.Warn("function mixes ESM and CJS syntax, treating as ESM")
		return ModuleESM
	case esm:
		return ModuleESM
	default:
		return ModuleCJS
	}
}
