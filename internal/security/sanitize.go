package security

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	prefixPattern  = regexp.MustCompile(`^[a-z0-9_-]*$`)
	envVarPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	programPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:*-]+$`)
)

// ValidateBranchName ensures branch name is safe for git operations.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateProjectName ensures project name is safe for use in paths,
// account names and URLs.
func ValidateProjectName(name string) error {
	return validateName("project", name)
}

// ValidateEnvironmentName applies the project name rules to an
// environment name.
func ValidateEnvironmentName(name string) error {
	return validateName("environment", name)
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s name cannot start with '-' or '.'", kind)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)", kind)
	}
	return nil
}

// ValidatePrefix checks a virtual host prefix such as "t-". The prefix
// becomes part of a system account name, so it is lowercase only.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("prefix %q contains invalid characters (only a-z, 0-9, _, - allowed)", prefix)
	}
	return nil
}

// ValidateEnvVarName checks the name of an environment variable that
// carries a secret.
func ValidateEnvVarName(name string) error {
	if !envVarPattern.MatchString(name) {
		return fmt.Errorf("invalid environment variable name %q", name)
	}
	return nil
}

// ValidateProgramName checks a supervisor program name passed on the
// command line or in a webhook.
func ValidateProgramName(name string) error {
	if strings.HasPrefix(name, "-") || !programPattern.MatchString(name) {
		return fmt.Errorf("invalid program name %q", name)
	}
	return nil
}

// SanitizeRemotePath ensures a path on a deployment target is absolute
// and contains no traversal elements. Remote paths always use forward
// slashes.
func SanitizeRemotePath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("path must be absolute: %s", p)
	}

	// Check for .. before cleaning (path.Clean removes them)
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", p)
		}
	}

	return path.Clean(p), nil
}
