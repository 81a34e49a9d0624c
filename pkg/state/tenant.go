package state

import (
	"context"
)

const (
	CurrentUsername = "CurrentUsername"
	CurrentUserIP   = "CurrentIP"
)

// CurrentTenant returns the authenticated tenant's username from the context.
func CurrentTenant(ctx context.Context) string {
	value := ctx.Value(CurrentUsername)
	if value == nil {
		return ""
	}

	username, ok := value.(string)
	if !ok {
		return ""
	}

	return username
}

func SetCurrentTenant(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, CurrentUsername, username)
}
