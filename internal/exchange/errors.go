package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errMalformedConfirm = errors.New("confirm reply without action")
	ErrEmptyPayload     = errors.New("empty audio payload")
)

// credentialMarkers are substrings of a backend detail that mean the speech service has
// no credentials configured.
var credentialMarkers = []string{"api key", "api_key", "apikey", "credential"}

// ServiceError is a failed call to a remote collaborator.
type ServiceError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString("exchange ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// MissingCredential reports whether the failure is the service lacking an API key.
func (e *ServiceError) MissingCredential() bool {
	d := strings.ToLower(e.Detail)
	for _, m := range credentialMarkers {
		if strings.Contains(d, m) {
			return true
		}
	}
	return false
}

// AsServiceError unwraps err to a *ServiceError when there is one.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
