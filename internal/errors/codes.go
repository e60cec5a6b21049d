// Package errors provides structured error handling for kos-kit-server.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration and startup errors
//   - 2XX: Store (graph) errors
//   - 3XX: Index (text) errors
//   - 4XX: Query / caller errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration or startup errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates triple-store I/O errors.
	CategoryStore Category = "STORE"
	// CategoryIndex indicates text-index I/O errors.
	CategoryIndex Category = "INDEX"
	// CategoryQuery indicates caller errors on the query surface.
	CategoryQuery Category = "QUERY"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the server continues.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Configuration and startup errors (100-199). Fatal before serving.
	ErrCodeConfigInvalid = "ERR_101_CONFIG_INVALID"
	ErrCodeParse         = "ERR_102_INIT_PARSE"
	ErrCodeStoreNotEmpty = "ERR_103_STORE_NOT_EMPTY"
	ErrCodeLocked        = "ERR_104_DATA_DIR_LOCKED"
	ErrCodeBind          = "ERR_105_BIND_FAILED"

	// Store errors (200-299). The store is authoritative: a write-path
	// failure aborts the whole mutation, never a partial write.
	ErrCodeStoreIO      = "ERR_201_STORE_IO"
	ErrCodeStoreCorrupt = "ERR_202_STORE_CORRUPT"

	// Index errors (300-399). The index is a rebuildable cache, so these are
	// retryable: the divergence is recorded and corrected later.
	ErrCodeIndexIO = "ERR_301_INDEX_IO"
	ErrCodeSync    = "ERR_302_SYNC_FAILED"

	// Query errors (400-499). Per-request, never affect server state.
	ErrCodeQuerySyntax  = "ERR_401_QUERY_SYNTAX"
	ErrCodeQueryTooLong = "ERR_402_QUERY_TOO_LONG"

	// Internal errors (500-599).
	ErrCodeInternal = "ERR_501_INTERNAL"
)

// categoryFromCode extracts the category from an error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryIndex
	case '4':
		return CategoryQuery
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig:
		return SeverityFatal
	case CategoryIndex:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode checks if an error code represents a retryable error.
// Only index-side failures qualify: they threaten the store/index invariant
// and have a well-defined backstop (full rebuild).
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeIndexIO, ErrCodeSync:
		return true
	default:
		return false
	}
}
