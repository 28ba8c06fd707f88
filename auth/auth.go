package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates caller credentials and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfoKey struct{}

// WithUserInfo attaches the authenticated principal to ctx.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFromContext returns the principal attached by WithUserInfo.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok
}
