// internal/security/permissions.go
// Rule sets decide what gets redacted, so anyone able to edit them can turn
// redaction off. Loading refuses files other users can write.
package security

import (
	"fmt"
	"os"
)

// ValidateRulesPath checks a rule-set file or directory, dispatching on its type.
func ValidateRulesPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking rules permissions: %w", err)
	}
	if info.IsDir() {
		return ValidateDirectoryPermissions(path)
	}
	return ValidateFilePermissions(path)
}

// ValidateDirectoryPermissions checks that a directory has safe permissions.
// Returns an error if the directory is group- or world-writable.
func ValidateDirectoryPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking directory permissions: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("directory %s is world-writable (mode %04o), expected 0700, 0750 or 0755", path, mode)
	}
	if mode&0020 != 0 {
		return fmt.Errorf("directory %s is group-writable (mode %04o), expected 0700, 0750 or 0755", path, mode)
	}

	return nil
}

// ValidateFilePermissions checks that a file has safe permissions.
func ValidateFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking file permissions: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("file %s is world-writable (mode %04o)", path, mode)
	}
	if mode&0020 != 0 {
		return fmt.Errorf("file %s is group-writable (mode %04o)", path, mode)
	}

	return nil
}
