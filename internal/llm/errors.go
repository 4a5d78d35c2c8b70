package llm

import "fmt"

// ProviderError carries an upstream provider failure verbatim so callers
// can distinguish, e.g., an invalid API key from a transient network error.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
