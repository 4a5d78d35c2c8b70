// Package cmdvalidate validates spawn commands, arguments, and environment
// variables before the supervisor hands them to the operating system.
// Tool server configurations are user-editable JSON, so everything here is
// treated as untrusted input.
//
// Evaluation is allowlist-first: the command must resolve to a known
// interpreter basename, and the raw strings must be free of shell
// metacharacters and injection patterns. Any single failure short-circuits
// with the first error.
package cmdvalidate

import (
	"fmt"
	"regexp"
	"strings"
)

// allowedInterpreters is the fixed set of executables a tool server command
// may resolve to, after path stripping and case folding. Platform-suffixed
// variants (.exe, .cmd, .bat) are normalized away before lookup.
var allowedInterpreters = map[string]struct{}{
	"node":    {},
	"npm":     {},
	"npx":     {},
	"yarn":    {},
	"pnpm":    {},
	"python":  {},
	"python3": {},
	"pip":     {},
	"pip3":    {},
	"uv":      {},
	"uvx":     {},
	"deno":    {},
	"bun":     {},
}

const shellMetaChars = ";&|`$(){}[]<>"

var (
	// dangerousArgPatterns match injection attempts inside a single argument.
	dangerousArgPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$\(`),            // command substitution
		regexp.MustCompile("`"),               // backtick substitution
		regexp.MustCompile(`&&|\|\|`),         // logical operators
		regexp.MustCompile(`[;|<>]`),          // separators and redirection
		regexp.MustCompile("^-[^=]*=.*[;&|<>`$]"), // -opt=value smuggling a metachar
	}

	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// loneBackslash matches a backslash that terminates the string or is
	// followed by whitespace, which a shell would treat as a continuation.
	loneBackslash = regexp.MustCompile(`\\(\s|$)`)
)

// Result is the outcome of validating a command with its arguments.
// When Valid is false, Err holds the first failure encountered.
type Result struct {
	Valid    bool
	Err      error
	Command  string   // Sanitized (trimmed) command, set only when valid.
	Args     []string // Sanitized (trimmed) arguments, set only when valid.
	Warnings []string // Non-fatal observations, e.g. relative path arguments.
}

// ValidateCommand checks that the command resolves to an allowlisted
// interpreter and carries no shell metacharacters or path traversal.
func ValidateCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("command is empty")
	}
	if strings.ContainsAny(trimmed, shellMetaChars) {
		return fmt.Errorf("command %q contains shell metacharacters", trimmed)
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return fmt.Errorf("command %q contains newlines", trimmed)
	}
	if strings.Contains(trimmed, "..") {
		return fmt.Errorf("command %q contains path traversal", trimmed)
	}
	if loneBackslash.MatchString(trimmed) {
		return fmt.Errorf("command %q contains a lone backslash", trimmed)
	}

	base := basename(trimmed)
	if _, ok := allowedInterpreters[base]; !ok {
		return fmt.Errorf("command %q is not an allowed interpreter", base)
	}
	return nil
}

// basename strips directory components (both separators) and platform
// suffixes, then case-folds.
func basename(command string) string {
	base := command
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)
	for _, suffix := range []string{".exe", ".cmd", ".bat"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}

// ValidateArgs scans each argument for injection patterns. Relative path
// arguments are permitted but reported back as warnings so the caller can
// log them.
func ValidateArgs(args []string) ([]string, error) {
	var warnings []string
	for i, arg := range args {
		for _, pattern := range dangerousArgPatterns {
			if pattern.MatchString(arg) {
				return nil, fmt.Errorf("argument %d (%q) matches dangerous pattern %s", i, arg, pattern)
			}
		}
		if strings.ContainsAny(arg, "\n\r") {
			return nil, fmt.Errorf("argument %d (%q) contains newlines", i, arg)
		}
		if strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
			warnings = append(warnings, fmt.Sprintf("argument %d (%q) is a relative path", i, arg))
		}
	}
	return warnings, nil
}

// ValidateEnv checks environment variable names and scans values with the
// same dangerous-argument patterns used for arguments.
func ValidateEnv(env map[string]string) error {
	for key, value := range env {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("environment variable name %q is invalid", key)
		}
		for _, pattern := range dangerousArgPatterns {
			if pattern.MatchString(value) {
				return fmt.Errorf("environment variable %s matches dangerous pattern %s", key, pattern)
			}
		}
	}
	return nil
}

// ValidateCommandWithArgs composes command and argument validation into a
// single Result. The first failure wins.
func ValidateCommandWithArgs(command string, args []string) Result {
	if err := ValidateCommand(command); err != nil {
		return Result{Err: err}
	}
	warnings, err := ValidateArgs(args)
	if err != nil {
		return Result{Err: err}
	}

	sanitized := make([]string, len(args))
	for i, arg := range args {
		sanitized[i] = strings.TrimSpace(arg)
	}
	return Result{
		Valid:    true,
		Command:  strings.TrimSpace(command),
		Args:     sanitized,
		Warnings: warnings,
	}
}
