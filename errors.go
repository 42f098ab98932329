package session

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeUserNotFound      = "USER_NOT_FOUND"
	textCodeProductNotEnabled = "PRODUCT_NOT_ENABLED"
	textCodeSyncFailed        = "SYNC_FAILED"
	textCodeSyncTimeout       = "SYNC_TIMEOUT"
	textCodeInvalidTransition = "INVALID_SESSION_STATE_TRANSITION"
)

// Error metadata keys used to carry the membership payload of a
// PRODUCT_NOT_ENABLED response.
const (
	metaCurrentProduct    = "current_product"
	metaAvailableProducts = "available_products"
)

// ErrUserNotFound signals a valid identity session without a backend user
// record. Callers must treat it as a forced sign-out, never as a reason to
// provision a new account.
var ErrUserNotFound = goerrors.New("backend user record not found", goerrors.CategoryNotFound).
	WithTextCode(textCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrProductNotEnabled signals a valid identity and backend record without a
// membership for the current product. It must never clear the session.
var ErrProductNotEnabled = goerrors.New("product membership missing", goerrors.CategoryAuthz).
	WithTextCode(textCodeProductNotEnabled).
	WithCode(goerrors.CodeForbidden)

// ErrSyncFailed covers transport failures and any backend error without a
// distinguished code.
var ErrSyncFailed = goerrors.New("session sync failed", goerrors.CategoryOperation).
	WithTextCode(textCodeSyncFailed).
	WithCode(goerrors.CodeInternal)

// ErrSyncTimeout is set when the reconciliation watchdog fires before a
// terminal state was reached.
var ErrSyncTimeout = goerrors.New("session reconciliation timed out", goerrors.CategoryOperation).
	WithTextCode(textCodeSyncTimeout).
	WithCode(goerrors.CodeInternal)

// ErrInvalidTransition is returned when a requested state change is not
// allowed by the transition table.
var ErrInvalidTransition = goerrors.New("invalid session state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// IsUserNotFound checks for the USER_NOT_FOUND code. Branching on text codes
// rather than message content keeps the failure policy stable across backend
// copy changes.
func IsUserNotFound(err error) bool {
	return hasTextCode(err, textCodeUserNotFound)
}

// IsProductNotEnabled checks for the PRODUCT_NOT_ENABLED code.
func IsProductNotEnabled(err error) bool {
	return hasTextCode(err, textCodeProductNotEnabled)
}

// IsSyncTimeout checks whether the watchdog aborted reconciliation.
func IsSyncTimeout(err error) bool {
	return hasTextCode(err, textCodeSyncTimeout)
}

// hasTextCode walks the error chain so a classified error stays classified
// after being wrapped with additional context.
func hasTextCode(err error, code string) bool {
	for err != nil {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			return false
		}
		if richErr.TextCode == code {
			return true
		}
		err = richErr.Source
	}
	return false
}

// NewProductNotEnabledError builds the distinguished membership-gap error
// carrying the product payload reported by the backend.
func NewProductNotEnabledError(current string, available []string) *goerrors.Error {
	clone := ErrProductNotEnabled.Clone()
	if clone == nil {
		return ErrProductNotEnabled
	}

	meta := map[string]any{}
	if current != "" {
		meta[metaCurrentProduct] = current
	}
	if len(available) > 0 {
		meta[metaAvailableProducts] = append([]string{}, available...)
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}

	return clone
}

// MembershipDetails extracts the product payload carried on a
// PRODUCT_NOT_ENABLED error.
func MembershipDetails(err error) (current string, available []string, ok bool) {
	if !IsProductNotEnabled(err) {
		return "", nil, false
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return "", nil, false
	}

	if raw, exists := richErr.Metadata[metaCurrentProduct]; exists {
		if s, isStr := raw.(string); isStr {
			current = s
		}
	}

	if raw, exists := richErr.Metadata[metaAvailableProducts]; exists {
		switch values := raw.(type) {
		case []string:
			available = append(available, values...)
		case []any:
			for _, v := range values {
				if s, isStr := v.(string); isStr {
					available = append(available, s)
				}
			}
		}
	}

	return current, available, true
}
