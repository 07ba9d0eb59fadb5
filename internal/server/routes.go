package server

import (
	"crypto-exchange-arbitrage/internal/domain"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/update_prices", s.updatePricesHandler)
	s.App.Get("/execute_trade/:symbol/:buy_venue/:sell_venue", s.executeTradeHandler)
	s.App.Get("/ledger", s.ledgerHandler)
	s.App.Get("/balances", s.balancesHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws/prices", websocket.New(s.pricesSocket))
}

type errorResponse struct {
	Error string              `json:"error"`
	Entry *domain.LedgerEntry `json:"entry,omitempty"`
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	venues := make([]string, 0)
	for _, venue := range s.symbols.Venues() {
		venues = append(venues, venue.String())
	}
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"venues": venues,
		"quotes": s.quotes.Len(),
	})
}

// priceTable renders symbol -> venue -> price, null where no fresh quote exists.
func (s *FiberServer) priceTable() map[string]map[string]decimal.NullDecimal {
	table := make(map[string]map[string]decimal.NullDecimal)
	for _, symbol := range s.symbols.Symbols() {
		row := make(map[string]decimal.NullDecimal)
		for _, venue := range s.symbols.Venues() {
			var price decimal.NullDecimal
			if native, err := s.symbols.Native(symbol, venue); err == nil {
				if q, ok := s.quotes.Get(venue, native); ok {
					price = decimal.NewNullDecimal(q.Price)
				}
			}
			row[venue.String()] = price
		}
		table[symbol] = row
	}
	return table
}

func (s *FiberServer) updatePricesHandler(c *fiber.Ctx) error {
	return c.JSON(s.priceTable())
}

// tradeStatus maps an orchestration outcome onto an HTTP status.
func tradeStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, domain.ErrUnknownSymbol), errors.Is(err, domain.ErrUnknownVenue):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrTradeInProgress):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrNotProfitable):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrQuotesUnavailable), errors.Is(err, domain.ErrConstraintUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPartialFailure):
		return fiber.StatusInternalServerError
	case errors.Is(err, domain.ErrLegFailed):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *FiberServer) executeTradeHandler(c *fiber.Ctx) error {
	// Params are only valid for the request; the entry outlives it.
	symbol := utils.CopyString(c.Params("symbol"))
	buyVenue, err := domain.ParseVenue(c.Params("buy_venue"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}
	sellVenue, err := domain.ParseVenue(c.Params("sell_venue"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}
	for _, venue := range []domain.Venue{buyVenue, sellVenue} {
		if !s.symbols.HasVenue(venue) {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: fmt.Sprintf("%s: %s not configured", domain.ErrUnknownVenue, venue)})
		}
	}

	entry, err := s.executor.Execute(c.UserContext(), symbol, buyVenue, sellVenue)
	status := tradeStatus(err)
	if err != nil {
		if status >= fiber.StatusInternalServerError {
			s.logger.Error("Trade request failed", zap.String("symbol", symbol), zap.Int("status", status), zap.Error(err))
		}
		return c.Status(status).JSON(errorResponse{Error: err.Error(), Entry: entry})
	}
	return c.JSON(entry)
}

func (s *FiberServer) ledgerHandler(c *fiber.Ctx) error {
	entries, err := s.ledger.List(c.UserContext())
	if err != nil {
		s.logger.Error("Failed to read ledger", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return c.JSON(entries)
}

type venueBalances struct {
	Balances []domain.Balance `json:"balances"`
	Error    string           `json:"error,omitempty"`
}

func (s *FiberServer) balancesHandler(c *fiber.Ctx) error {
	ctx := c.UserContext()
	exchanges := s.exchanges.All()
	results := make([]venueBalances, len(exchanges))

	var wg sync.WaitGroup
	for i, ex := range exchanges {
		wg.Add(1)
		go func(i int, ex domain.Exchanger) {
			defer wg.Done()
			balances, err := ex.GetBalances(ctx)
			if err != nil {
				s.logger.Warn("Failed to fetch balances", zap.String("exchange", ex.GetName()), zap.Error(err))
				results[i] = venueBalances{Balances: []domain.Balance{}, Error: err.Error()}
				return
			}
			if balances == nil {
				balances = []domain.Balance{}
			}
			results[i] = venueBalances{Balances: balances}
		}(i, ex)
	}
	wg.Wait()

	out := make(map[string]venueBalances, len(exchanges))
	for i, ex := range exchanges {
		out[ex.GetName()] = results[i]
	}
	return c.JSON(out)
}

// pricesSocket pushes the price table immediately and then every push interval
// until the client goes away.
func (s *FiberServer) pricesSocket(conn *websocket.Conn) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(s.priceTable()); err != nil {
			s.logger.Debug("Price socket closed", zap.Error(err))
			return
		}
		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
