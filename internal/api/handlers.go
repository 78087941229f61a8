package api

import (
	"errors"
	"net/http"
	"strings"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/timeframe"

	"github.com/gin-gonic/gin"
)

type opportunityQuery struct {
	Status    string `form:"status" binding:"omitempty,oneof=Pending Activated TargetHit Expired Invalidated"`
	Symbol    string `form:"symbol" binding:"omitempty,alphanum"`
	Timeframe string `form:"timeframe"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=10000"`
}

// handleListOpportunities lists stored opportunities, optionally filtered by
// status, symbol and timeframe.
func (s *Server) handleListOpportunities(c *gin.Context) {
	var q opportunityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	q.Symbol = strings.ToUpper(q.Symbol)
	if q.Timeframe != "" {
		// Unmapped labels still filter by their literal value.
		q.Timeframe, _ = timeframe.Canonical(q.Timeframe)
	}

	ctx := c.Request.Context()
	var (
		opps []*opportunity.Opportunity
		err  error
	)
	switch {
	case q.Symbol != "" && q.Timeframe != "":
		opps, err = s.store.BySymbolTimeframe(ctx, q.Symbol, q.Timeframe)
	case q.Status != "":
		opps, err = s.store.ByStatus(ctx, opportunity.Status(q.Status))
	default:
		opps, err = s.store.All(ctx)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to list opportunities")
		errorResponse(c, http.StatusInternalServerError, "failed to list opportunities")
		return
	}

	filtered := make([]*opportunity.Opportunity, 0, len(opps))
	for _, o := range opps {
		if q.Status != "" && string(o.Status) != q.Status {
			continue
		}
		if q.Symbol != "" && o.Symbol != q.Symbol {
			continue
		}
		if q.Timeframe != "" && o.Timeframe != q.Timeframe {
			continue
		}
		filtered = append(filtered, o)
		if q.Limit > 0 && len(filtered) == q.Limit {
			break
		}
	}

	successResponse(c, gin.H{
		"opportunities": filtered,
		"count":         len(filtered),
	})
}

// handleGetOpportunity returns a single opportunity by ID
func (s *Server) handleGetOpportunity(c *gin.Context) {
	opp, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, opportunity.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "opportunity not found")
			return
		}
		s.logger.WithError(err).Error("Failed to get opportunity", "id", c.Param("id"))
		errorResponse(c, http.StatusInternalServerError, "failed to get opportunity")
		return
	}
	successResponse(c, opp)
}

func (s *Server) handleSimulationSummary(c *gin.Context) {
	state, m, ok := s.runs.Get()
	if !ok {
		errorResponse(c, http.StatusNotFound, "no simulation run available")
		return
	}
	successResponse(c, gin.H{
		"run_id":         state.RunID,
		"completed":      state.Completed,
		"steps":          state.Steps,
		"last_processed": state.LastProcessedTimestamp,
		"updated_at":     s.runs.UpdatedAt(),
		"metrics":        m,
	})
}

type positionsQuery struct {
	State string `form:"state" binding:"omitempty,oneof=open closed all"`
}

func (s *Server) handleSimulationPositions(c *gin.Context) {
	var q positionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	state, _, ok := s.runs.Get()
	if !ok {
		errorResponse(c, http.StatusNotFound, "no simulation run available")
		return
	}

	open := []*backtest.Position{}
	closed := []*backtest.Position{}
	if q.State != "closed" {
		open = state.OpenPositions
	}
	if q.State != "open" {
		closed = state.ClosedPositions
	}
	successResponse(c, gin.H{
		"run_id": state.RunID,
		"open":   open,
		"closed": closed,
	})
}

func (s *Server) handleSimulationEquity(c *gin.Context) {
	state, _, ok := s.runs.Get()
	if !ok {
		errorResponse(c, http.StatusNotFound, "no simulation run available")
		return
	}
	successResponse(c, gin.H{
		"run_id":            state.RunID,
		"starting_bankroll": state.StartingBankroll,
		"equity_curve":      state.EquityCurve,
	})
}
