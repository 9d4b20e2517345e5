// Package auth signs users in against the hosted identity service and
// verifies the ID tokens presented to the gateway.
package auth

import (
	"context"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"

	"github.com/klipach/community/contract"
)

// TokenVerifier checks a Firebase ID token. *auth.Client implements it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

type Verifier struct {
	tokens TokenVerifier
}

// NewVerifier verifies tokens with the auth client of app.
func NewVerifier(ctx context.Context, app *firebase.App) (*Verifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return &Verifier{tokens: client}, nil
}

func NewVerifierWithClient(tokens TokenVerifier) *Verifier {
	return &Verifier{tokens: tokens}
}

// Authenticate returns the principal behind the bearer token of req.
func (v *Verifier) Authenticate(req *http.Request) (contract.Principal, error) {
	jwtToken, err := BearerTokenFromRequest(req)
	if err != nil {
		return contract.Principal{}, &Error{Code: CodeMissingToken, Message: err.Error(), Err: err}
	}
	token, err := v.tokens.VerifyIDToken(req.Context(), jwtToken)
	if err != nil {
		return contract.Principal{}, &Error{Code: CodeInvalidToken, Message: err.Error(), Err: err}
	}
	return PrincipalFromToken(token), nil
}

// PrincipalFromToken reads the user id and the optional profile claims of a
// verified token.
func PrincipalFromToken(t *auth.Token) contract.Principal {
	p := contract.Principal{UID: t.UID}
	if name, ok := t.Claims["name"].(string); ok {
		p.DisplayName = name
	}
	if email, ok := t.Claims["email"].(string); ok {
		p.Email = email
	}
	return p
}
