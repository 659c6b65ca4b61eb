package rest

import "fmt"

// AuthError is a fatal authentication failure. It is never retried; secret
// rotation is an operator action.
type AuthError struct {
	Venue       string
	Status      int
	Description string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %s", e.Venue, e.Status, e.Description)
}

// RequestError is returned when the retry budget of a call is exhausted or
// the venue answered with a non-recoverable status. It carries the last HTTP
// status and a description of the request.
type RequestError struct {
	Status      int
	Description string
	Attempts    int
	Err         error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %q failed after %d attempts (status %d): %v", e.Description, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("request %q failed after %d attempts (status %d)", e.Description, e.Attempts, e.Status)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
