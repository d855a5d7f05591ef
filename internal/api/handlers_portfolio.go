package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/types"
)

// portfolioTarget reads {chainId} and {address} from the route
func portfolioTarget(r *http.Request) (types.ChainID, string, error) {
	vars := mux.Vars(r)
	chainID, err := parseChain(vars["chainId"])
	if err != nil {
		return 0, "", err
	}
	address := vars["address"]
	if !types.IsValidAddress(address) {
		return 0, "", apperrors.NewInvalidAddressError("address", address)
	}
	return chainID, address, nil
}

func parseChain(raw string) (types.ChainID, error) {
	chainID, err := types.ParseChainID(raw)
	if err != nil {
		return 0, apperrors.NewInvalidParameterError("chainId", err.Error())
	}
	return chainID, nil
}

// handleGetPortfolio handles GET /api/chains/{chainId}/portfolio/{address}
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	chainID, address, err := portfolioTarget(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	view, err := s.controller.Load(r.Context(), address, chainID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).WithField("user", address).Debug("Portfolio load failed")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleCachedPortfolios handles GET /api/portfolio/{address}
func (s *Server) handleCachedPortfolios(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !types.IsValidAddress(address) {
		respondServiceError(w, apperrors.NewInvalidAddressError("address", address))
		return
	}

	views, err := s.controller.CachedPortfolios(r.Context(), address)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userAddress":  types.NormalizeAddress(address),
		"cacheEnabled": s.controller.CacheEnabled(),
		"count":        len(views),
		"portfolios":   views,
	})
}

// handleRefreshPortfolio handles POST /api/chains/{chainId}/portfolio/{address}/refresh
func (s *Server) handleRefreshPortfolio(w http.ResponseWriter, r *http.Request) {
	chainID, address, err := portfolioTarget(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	view, err := s.controller.Refresh(r.Context(), address, chainID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// tradeRequest is the body of a confirmed trade notification
type tradeRequest struct {
	TxHash       string                `json:"txHash"`
	Confirmed    bool                  `json:"confirmed"`
	PoolAddress  string                `json:"poolAddress"`
	TokenAddress string                `json:"tokenAddress"`
	TokenType    types.TokenType       `json:"tokenType"`
	Type         types.TransactionType `json:"type"`
	AmountAsset  decimal.Decimal       `json:"amountAsset"`
	AmountCoin   decimal.Decimal       `json:"amountCoin"`
	FeePaid      decimal.Decimal       `json:"feePaid"`
	BlockNumber  uint64                `json:"blockNumber"`
	LogIndex     uint32                `json:"logIndex"`
}

// handleConfirmedTrade handles POST /api/chains/{chainId}/portfolio/{address}/trades.
// The cached portfolio is patched only for trades reported as confirmed.
func (s *Server) handleConfirmedTrade(w http.ResponseWriter, r *http.Request) {
	chainID, address, err := portfolioTarget(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req tradeRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	view, err := s.controller.ApplyConfirmedTrade(r.Context(), service.TradeConfirmation{
		UserAddress:  address,
		ChainID:      chainID,
		TxHash:       req.TxHash,
		Confirmed:    req.Confirmed,
		PoolAddress:  req.PoolAddress,
		TokenAddress: req.TokenAddress,
		TokenType:    req.TokenType,
		Type:         req.Type,
		AmountAsset:  req.AmountAsset,
		AmountCoin:   req.AmountCoin,
		FeePaid:      req.FeePaid,
		BlockNumber:  req.BlockNumber,
		LogIndex:     req.LogIndex,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleClearCache handles DELETE /api/cache
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ClearCache(r.Context()); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Cache reinitialization failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":      true,
		"cacheEnabled": s.controller.CacheEnabled(),
	})
}
