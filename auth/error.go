package auth

import (
	"strings"
)

const (
	CodeMissingToken = "auth/missing-token"
	CodeInvalidToken = "auth/invalid-id-token"
	CodeSignedOut    = "auth/no-current-user"
	CodeNetwork      = "auth/network-request-failed"
)

// restCodes maps Identity Toolkit error messages to client error codes.
var restCodes = map[string]string{
	"EMAIL_EXISTS":                "auth/email-already-in-use",
	"EMAIL_NOT_FOUND":             "auth/user-not-found",
	"INVALID_PASSWORD":            "auth/wrong-password",
	"INVALID_LOGIN_CREDENTIALS":   "auth/invalid-credential",
	"INVALID_EMAIL":               "auth/invalid-email",
	"WEAK_PASSWORD":               "auth/weak-password",
	"USER_DISABLED":               "auth/user-disabled",
	"TOO_MANY_ATTEMPTS_TRY_LATER": "auth/too-many-requests",
	"INVALID_CUSTOM_TOKEN":        "auth/invalid-custom-token",
	"INVALID_ID_TOKEN":            "auth/invalid-user-token",
	"TOKEN_EXPIRED":               "auth/user-token-expired",
}

// Error is a failure reported by the identity service. It is shown to the
// user as is and never retried.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// restError converts an Identity Toolkit message such as
// "WEAK_PASSWORD : Password should be at least 6 characters".
func restError(message string) *Error {
	reason, detail, _ := strings.Cut(message, ":")
	reason = strings.TrimSpace(reason)
	detail = strings.TrimSpace(detail)

	code, ok := restCodes[reason]
	if !ok {
		code = "auth/" + strings.ReplaceAll(strings.ToLower(reason), "_", "-")
	}
	if detail == "" {
		detail = reason
	}
	return &Error{Code: code, Message: detail}
}
