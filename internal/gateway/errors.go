package gateway

import "fmt"

// GatewayError is returned when the payment provider rejects a request, times
// out, or answers with something that cannot be understood.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("payment gateway error (code %s): %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("payment gateway error (http %d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("payment gateway error: %s", e.Message)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
