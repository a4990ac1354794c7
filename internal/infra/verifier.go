// README: Token verification contract shared by the Firebase and HS256 verifiers.
package infra

import "context"

// VerifiedToken is what the HTTP and websocket layers need from a verified token.
type VerifiedToken struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*VerifiedToken, error)
}
