package metadata

import (
	"fmt"
)

// ManifestNotFoundError occurs when a metadata manifest cannot be read.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("metadata manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when a manifest cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse metadata manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when a manifest fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("metadata validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("metadata validation failed at '%s': %s", e.Path, e.Message)
}
