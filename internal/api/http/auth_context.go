package httpapi

import (
	"context"

	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

type authContextKey string

const authActorKey authContextKey = "authActor"

func withActor(ctx context.Context, a user.Actor) context.Context {
	return context.WithValue(ctx, authActorKey, a)
}

func actorFromContext(ctx context.Context) (user.Actor, bool) {
	a, ok := ctx.Value(authActorKey).(user.Actor)
	return a, ok
}
