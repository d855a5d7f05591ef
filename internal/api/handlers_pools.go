package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/types"
)

type chainInfo struct {
	ChainID types.ChainID `json:"chainId"`
	Name    string        `json:"name"`
	Testnet bool          `json:"testnet"`
}

// handleListChains handles GET /api/chains
func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains := s.controller.Chains()
	out := make([]chainInfo, 0, len(chains))
	for _, id := range chains {
		meta := id.Metadata()
		out = append(out, chainInfo{ChainID: id, Name: meta.Name, Testnet: meta.Testnet})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"chains": out})
}

// handleListPools handles GET /api/chains/{chainId}/pools[?creator=0x...]
func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChain(mux.Vars(r)["chainId"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	lister, ok := s.pools[chainID]
	if !ok {
		respondServiceError(w, apperrors.NewUnsupportedChainError(chainID))
		return
	}

	var pools []service.PoolEntry
	if creator := r.URL.Query().Get("creator"); creator != "" {
		if !types.IsValidAddress(creator) {
			respondServiceError(w, apperrors.NewInvalidAddressError("creator", creator))
			return
		}
		pools, err = lister.PoolsByCreator(r.Context(), creator)
	} else {
		pools, err = lister.Pools(r.Context())
	}
	if err != nil {
		respondServiceError(w, apperrors.NewProviderError(chainID.String(), err))
		return
	}
	if pools == nil {
		pools = []service.PoolEntry{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chainId": chainID,
		"count":   len(pools),
		"pools":   pools,
	})
}
