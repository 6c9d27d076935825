package ptymgr

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// allowedShellsUnix are fixed absolute paths accepted on POSIX systems,
// independent of whatever happens to be registered in /etc/shells.
var allowedShellsUnix = []string{
	"/bin/sh", "/bin/bash", "/bin/zsh", "/bin/fish", "/bin/dash", "/bin/ksh", "/bin/tcsh", "/bin/csh",
	"/usr/bin/sh", "/usr/bin/bash", "/usr/bin/zsh", "/usr/bin/fish", "/usr/bin/dash", "/usr/bin/ksh", "/usr/bin/tcsh", "/usr/bin/csh",
	"/usr/local/bin/sh", "/usr/local/bin/bash", "/usr/local/bin/zsh", "/usr/local/bin/fish", "/usr/local/bin/dash", "/usr/local/bin/ksh", "/usr/local/bin/tcsh", "/usr/local/bin/csh",
	"/opt/homebrew/bin/bash", "/opt/homebrew/bin/zsh", "/opt/homebrew/bin/fish",
}

var allowedShellsWindows = []string{
	"cmd.exe", "powershell.exe", "pwsh.exe",
	`C:\Windows\System32\cmd.exe`,
	`C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
}

// registeredShellsFile is the POSIX file listing additional system-approved
// shells (commonly /etc/shells).
const registeredShellsFile = "/etc/shells"

// ErrShellNotAllowed is returned when a requested shell is not on the
// allowlist and, on POSIX, is not listed in the registered-shells file as a
// path that exists on disk either.
type ErrShellNotAllowed struct {
	Shell string
}

func (e *ErrShellNotAllowed) Error() string {
	return "shell not allowed: " + e.Shell
}

// ValidateShell checks shell against the fixed allowlist for the current
// OS, falling back on POSIX systems to entries in the registered-shells
// file that also exist on disk. It returns the validated path unchanged, or
// ErrShellNotAllowed.
func ValidateShell(shell string) (string, error) {
	allowed := allowedShellsUnix
	if runtime.GOOS == "windows" {
		allowed = allowedShellsWindows
	}

	lower := strings.ToLower(shell)
	for _, candidate := range allowed {
		if strings.ToLower(candidate) == lower {
			return shell, nil
		}
	}

	if runtime.GOOS != "windows" {
		if registered, err := registeredShells(); err == nil {
			for _, candidate := range registered {
				if candidate == shell {
					if _, statErr := os.Stat(shell); statErr == nil {
						return shell, nil
					}
				}
			}
		}
		return "", &ErrShellNotAllowed{Shell: shell}
	}

	return "", &ErrShellNotAllowed{Shell: shell}
}

func registeredShells() ([]string, error) {
	data, err := os.ReadFile(registeredShellsFile)
	if err != nil {
		return nil, err
	}
	var shells []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		shells = append(shells, line)
	}
	return shells, nil
}

// DefaultShell resolves the shell to use when none was requested: the
// SHELL environment variable on POSIX, or cmd.exe on Windows.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// ResolveShell picks a shell: the requested one if set, otherwise the
// default, then validates it against the allowlist.
func ResolveShell(requested *string) (string, error) {
	shell := DefaultShell()
	if requested != nil && *requested != "" {
		shell = *requested
	}
	shell = filepath.Clean(shell)
	return ValidateShell(shell)
}
