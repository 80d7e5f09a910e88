package domain

import "context"

// ExchangeAdapter is the boundary to exchange connectivity. Implementations
// fetch the current mark price and funding rate for a symbol and fail with
// ErrUnavailable (wrapped) when the venue cannot be reached.
type ExchangeAdapter interface {
	GetMarkPrice(ctx context.Context, symbol string) (Quote, error)
}

// DecisionService is the boundary to the external decision collaborator. The
// context carries the per-call deadline; implementations fail with
// context.DeadlineExceeded on timeout and ErrInvalidResponse (wrapped) when
// the answer cannot be parsed into an Action.
type DecisionService interface {
	Decide(ctx context.Context, req DecisionRequest) (Action, error)
}
