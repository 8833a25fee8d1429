package wxwork

import (
	"errors"
	"fmt"
)

// APIError is a non-zero errcode returned by the API.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wxwork %s: errcode=%d errmsg=%s", e.Op, e.Code, e.Msg)
}

// Codes that mean the access token is invalid or expired.
const (
	CodeInvalidAccessToken      = 40014
	CodeAccessTokenExpired      = 42001
	CodeSuiteAccessTokenExpired = 42009
	CodeProviderTokenExpired    = 42007
)

// IsTokenError reports whether err asks for a fresh access token.
func IsTokenError(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case CodeInvalidAccessToken, CodeAccessTokenExpired, CodeSuiteAccessTokenExpired, CodeProviderTokenExpired:
		return true
	}
	return false
}
