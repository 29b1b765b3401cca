package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mackerelio/go-osstat/memory"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/httputil"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

// SessionView is the session as the API reports it.
type SessionView struct {
	Account         string `json:"account,omitempty"`
	ChainID         uint64 `json:"chain_id,omitempty"`
	Connected       bool   `json:"connected"`
	RequiredChainID uint64 `json:"required_chain_id"`
	WrongNetwork    bool   `json:"wrong_network"`
}

// ListingsResponse wraps a listing page.
type ListingsResponse struct {
	Listings []market.Listing `json:"listings"`
	Count    int              `json:"count"`
}

// HistoryResponse wraps the connected account's purchase history.
type HistoryResponse struct {
	Account   string                  `json:"account"`
	Purchases []market.PurchaseRecord `json:"purchases"`
}

// PurchaseRequest is the POST /v1/purchases body.
type PurchaseRequest struct {
	ListingID string `json:"listing_id"`
}

func (g *Gateway) view(s wallet.Session) SessionView {
	v := SessionView{
		Connected:       s.Connected,
		RequiredChainID: g.market.RequiredChainID(),
	}
	if s.Connected {
		v.Account = s.Account.Hex()
		v.ChainID = s.ChainID
		v.WrongNetwork = s.ChainID != v.RequiredChainID
	}
	return v
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":            "ok",
		"required_chain_id": g.market.RequiredChainID(),
		"connected":         g.market.Session().Connected,
		"stream_clients":    g.events.count(),
	}
	// Unsupported platforms report an error; the field is then omitted.
	if mem, err := memory.Get(); err == nil && mem.Total > 0 {
		body["memory_used_percent"] = float64(mem.Used) / float64(mem.Total) * 100
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (g *Gateway) sessionHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, g.view(g.market.Session()))
}

func (g *Gateway) connectHandler(w http.ResponseWriter, r *http.Request) {
	s, err := g.market.Connect(r.Context())
	if err != nil {
		g.fail(w, r, logging.ComponentSession, "Connect failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, g.view(s))
}

func (g *Gateway) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, g.view(g.market.Disconnect(r.Context())))
}

func (g *Gateway) switchNetworkHandler(w http.ResponseWriter, r *http.Request) {
	if err := g.market.SwitchNetwork(r.Context()); err != nil {
		g.fail(w, r, logging.ComponentNetwork, "Network switch failed", err)
		return
	}
	// The session changes when the provider reports the new chain.
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":   "switch_requested",
		"chain_id": g.market.RequiredChainID(),
	})
}

func (g *Gateway) listingsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		out []market.Listing
		err error
	)
	if q.Has("limit") || q.Has("offset") {
		// A missing limit leaves the page size to the listing cache's configuration.
		limit, perr := httputil.QueryParamInt(r, "limit", 0)
		if perr != nil {
			httputil.WriteAppError(w, r, perr)
			return
		}
		offset, perr := httputil.QueryParamInt(r, "offset", 0)
		if perr != nil {
			httputil.WriteAppError(w, r, perr)
			return
		}
		out, err = g.market.FetchListings(r.Context(), limit, offset)
	} else {
		out, err = g.market.Listings(r.Context())
	}
	if err != nil {
		g.fail(w, r, logging.ComponentListings, "Listing read failed", err)
		return
	}
	writeListings(w, out)
}

func (g *Gateway) refreshListingsHandler(w http.ResponseWriter, r *http.Request) {
	out, err := g.market.RefreshListings(r.Context())
	if err != nil {
		g.fail(w, r, logging.ComponentListings, "Listing refresh failed", err)
		return
	}
	writeListings(w, out)
}

func writeListings(w http.ResponseWriter, out []market.Listing) {
	if out == nil {
		out = []market.Listing{}
	}
	httputil.WriteJSON(w, http.StatusOK, ListingsResponse{Listings: out, Count: len(out)})
}

func (g *Gateway) purchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := httputil.DecodeJSONStrict(w, r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	req.ListingID = strings.TrimSpace(req.ListingID)
	if req.ListingID == "" {
		httputil.WriteAppError(w, r, errors.NewValidationError("listing_id", "listing_id is required", ""))
		return
	}

	p, err := g.market.Purchase(r.Context(), req.ListingID)
	if err != nil {
		g.fail(w, r, logging.ComponentPurchase, "Purchase rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, p)
}

func (g *Gateway) progressHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, g.market.Progress())
}

func (g *Gateway) dismissHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, g.market.Dismiss())
}

func (g *Gateway) showProgressHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, g.market.ShowProgress())
}

func (g *Gateway) recheckHandler(w http.ResponseWriter, r *http.Request) {
	p, err := g.market.Recheck(r.Context())
	if err != nil {
		g.fail(w, r, logging.ComponentPurchase, "Re-check rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, p)
}

func (g *Gateway) historyHandler(w http.ResponseWriter, r *http.Request) {
	records, err := g.market.History(r.Context())
	if err != nil {
		g.fail(w, r, logging.ComponentStorage, "History read failed", err)
		return
	}
	if records == nil {
		records = []market.PurchaseRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{
		Account:   g.market.Session().Account.Hex(),
		Purchases: records,
	})
}

func (g *Gateway) downloadHandler(w http.ResponseWriter, r *http.Request) {
	res, err := g.market.Download(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		// The coordinator already logged the attempts.
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (g *Gateway) faucetHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := g.market.RequestTestTokens(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) balanceHandler(w http.ResponseWriter, r *http.Request) {
	b, err := g.market.Balance(r.Context())
	if err != nil {
		g.fail(w, r, logging.ComponentLedger, "Balance read failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

// fail logs err at a level matching its status and writes the error body.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, component logging.Component, msg string, err error) {
	fields := []zap.Field{
		zap.String("code", errors.GetErrorCode(err)),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	if errors.StatusCode(err) >= http.StatusInternalServerError {
		g.logger.ComponentError(component, msg, fields...)
	} else {
		g.logger.ComponentDebug(component, msg, fields...)
	}
	httputil.WriteAppError(w, r, err)
}
