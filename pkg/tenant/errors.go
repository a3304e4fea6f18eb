package tenant

import (
	"errors"
	"fmt"
)

const (
	CodeDuplicateIdentifier = "duplicate_identifier"
	CodeDuplicatePath       = "duplicate_path"
	CodeMissingCredentials  = "missing_credentials"
	CodeUnknownTenantKind   = "unknown_tenant_kind"
	CodeUnknownPlatform     = "unknown_platform"
	CodeInvalidConfig       = "invalid_config"
)

var (
	ErrDuplicateIdentifier = errors.New(CodeDuplicateIdentifier)
	ErrDuplicatePath       = errors.New(CodeDuplicatePath)
	ErrMissingCredentials  = errors.New(CodeMissingCredentials)
	ErrUnknownTenantKind   = errors.New(CodeUnknownTenantKind)
	ErrUnknownPlatform     = errors.New(CodeUnknownPlatform)
	ErrInvalidConfig       = errors.New(CodeInvalidConfig)
)

var sentinels = map[string]error{
	CodeDuplicateIdentifier: ErrDuplicateIdentifier,
	CodeDuplicatePath:       ErrDuplicatePath,
	CodeMissingCredentials:  ErrMissingCredentials,
	CodeUnknownTenantKind:   ErrUnknownTenantKind,
	CodeUnknownPlatform:     ErrUnknownPlatform,
	CodeInvalidConfig:       ErrInvalidConfig,
}

// ConfigError is a categorized, tenant-scoped startup failure. It is fatal for
// the offending tenant only.
type ConfigError struct {
	TenantID string
	Code     string
	Detail   string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	msg := "tenant " + quoteID(e.TenantID) + ": " + e.Code
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is lets callers match with errors.Is(err, tenant.ErrDuplicatePath).
func (e *ConfigError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

// NewConfigError creates a categorized configuration error.
func NewConfigError(tenantID, code, detail string) error {
	return &ConfigError{TenantID: tenantID, Code: code, Detail: detail}
}

// CodeFromError returns the stable code for a configuration error, or an
// empty string for anything else.
func CodeFromError(err error) string {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return ""
}

func quoteID(id string) string {
	if id == "" {
		return "<unnamed>"
	}
	return fmt.Sprintf("%q", id)
}
