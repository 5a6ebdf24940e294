package exchange

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

// StopOrderExecutor закрывает защищённую позицию рыночным ордером.
//
// Ровно одна попытка на срабатывание: ошибка размещения возвращается
// вызывающему как есть, повторов нет. Длинная позиция закрывается
// продажей, короткая - покупкой.
type StopOrderExecutor struct {
	client *Client
	log    *zap.Logger
}

// NewStopOrderExecutor создаёт исполнитель защитных ордеров
func NewStopOrderExecutor(client *Client, log *zap.Logger) *StopOrderExecutor {
	return &StopOrderExecutor{client: client, log: log}
}

// ExecuteStop размещает рыночный ордер закрытия позиции
func (e *StopOrderExecutor) ExecuteStop(ctx context.Context, stop models.StopLossConfig) (string, float64, error) {
	side := SideSell
	if stop.Side == models.SideShort {
		side = SideBuy
	}

	e.log.Info("placing protective market order",
		zap.Int64("trade_id", stop.TradeID),
		zap.String("symbol", stop.Symbol),
		zap.String("side", side),
		zap.Float64("quantity", stop.Quantity))

	result, err := e.client.PlaceOrder(ctx, OrderRequest{
		Symbol:   stop.Symbol,
		Side:     side,
		Type:     OrderTypeMarket,
		Quantity: stop.Quantity,
	})
	if err != nil {
		return "", 0, err
	}

	return strconv.FormatInt(result.OrderID, 10), result.AvgFillPrice, nil
}
