package client

import "fmt"

// APIError is a non-2xx response from an AI provider
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus exposes the provider status code for failure classification
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}
