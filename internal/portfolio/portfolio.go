// Package portfolio is the read-only projection combining ledger state with
// live market prices. It never mutates the ledger.
package portfolio

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/stratforge/paperbroker/internal/ledger"
	"github.com/stratforge/paperbroker/internal/model"
	"github.com/stratforge/paperbroker/internal/quotes"
)

// Service computes portfolio valuations.
type Service struct {
	store  ledger.Store
	quotes quotes.Quoter
}

// NewService creates a portfolio valuation service.
func NewService(store ledger.Store, q quotes.Quoter) *Service {
	return &Service{store: store, quotes: q}
}

// GetPortfolio returns cash, market value, and unrealized P&L for a user.
// When a symbol's price is unavailable, valuation falls back to the
// position's average entry price so a transient quote gap never fails the
// whole call — that symbol's unrealized P&L reads as zero until quotes
// recover.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}

	prices, err := s.quotes.LatestPrices(ctx, symbols)
	if err != nil {
		prices = nil // fall back to entry prices below
	}

	positionsValue := decimal.Zero
	enriched := make([]model.PortfolioPosition, 0, len(positions))
	for _, p := range positions {
		currentPrice, ok := prices[p.Symbol]
		if !ok || !currentPrice.IsPositive() {
			currentPrice = p.AverageEntryPrice
		}

		marketValue := p.Quantity.Mul(currentPrice)
		costBasis := p.Quantity.Mul(p.AverageEntryPrice)
		positionsValue = positionsValue.Add(marketValue)

		enriched = append(enriched, model.PortfolioPosition{
			Symbol:            p.Symbol,
			Quantity:          p.Quantity,
			AverageEntryPrice: p.AverageEntryPrice,
			CurrentPrice:      currentPrice,
			MarketValue:       marketValue,
			UnrealizedPL:      marketValue.Sub(costBasis),
		})
	}

	portfolioValue := account.CashBalance.Add(positionsValue)
	return &model.Portfolio{
		UserID:         userID,
		CashBalance:    account.CashBalance,
		PortfolioValue: portfolioValue,
		PnL:            portfolioValue.Sub(account.StartingBalance),
		Positions:      enriched,
	}, nil
}
