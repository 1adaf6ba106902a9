package types

import (
	"fmt"
	"strings"
)

// MaxModelNameLength bounds the model field so that it can be embedded in
// cache and rate-limit keys safely.
const MaxModelNameLength = 256

// ValidateModelName rejects empty or oversized model names.
func ValidateModelName(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(model) > MaxModelNameLength {
		return fmt.Errorf("model is too long (max %d characters)", MaxModelNameLength)
	}
	return nil
}
