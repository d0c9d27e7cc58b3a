package domain

import "context"

// ExecutionGateway is the broker / exchange API used to manage protective
// orders and to close positions.
type ExecutionGateway interface {
	CancelProtectiveOrders(ctx context.Context, positionID string) error
	PlaceProtectiveOrders(ctx context.Context, positionID string, takeProfit, stopLoss float64) error
	ClosePosition(ctx context.Context, positionID string, price float64) error
}

// MarketData resolves the latest price of an instrument.
type MarketData interface {
	GetPrice(ctx context.Context, instrument string) (float64, error)
}
