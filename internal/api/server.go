package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/admesh-net/admesh/internal/buildinfo"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/engine"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/model"
)

// DefaultBodyLimit caps admin and device request bodies.
const DefaultBodyLimit int64 = 1 << 20

// Server is the HTTP surface of the node: a public health endpoint, the
// device-facing request endpoints, and the token-protected admin endpoints.
type Server struct {
	engine     *engine.Engine
	clk        clock.Clock
	adminToken string
	httpServer *http.Server
}

func NewServer(addr, adminToken string, eng *engine.Engine, clk clock.Clock) *Server {
	s := &Server{
		engine:     eng,
		clk:        clk,
		adminToken: adminToken,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           RequestBodyLimitMiddleware(DefaultBodyLimit, s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/device/advertisements", s.handleDeviceAdRequest)
	mux.HandleFunc("POST /v1/device/sync", s.handleDeviceSync)
	mux.HandleFunc("POST /v1/device/payments", s.handleDevicePayment)
	mux.HandleFunc("POST /v1/device/networks/{guid}/request", s.handleNetworkAdRequest)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /v1/status", s.handleStatus)
	admin.HandleFunc("GET /v1/nodes", s.handleListNodes)
	admin.HandleFunc("POST /v1/advertisements", s.handleCreateAdvertisement)
	admin.HandleFunc("GET /v1/advertisements", s.handleListAdvertisements)
	admin.HandleFunc("GET /v1/advertisements/{guid}", s.handleGetAdvertisement)
	admin.HandleFunc("POST /v1/advertisements/{guid}/activate", s.setAdvertisementActive(true))
	admin.HandleFunc("POST /v1/advertisements/{guid}/deactivate", s.setAdvertisementActive(false))
	admin.HandleFunc("POST /v1/networks", s.handleCreateNetwork)
	admin.HandleFunc("GET /v1/networks", s.handleListNetworks)
	mux.Handle("/v1/", AuthMiddleware(s.adminToken, admin))

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] server stopped: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"version":         buildinfo.Version,
		"git_commit":      buildinfo.GitCommit,
		"network_mode":    s.engine.Payments().NetworkMode(),
		"payment_backlog": s.engine.Payments().Backlog(),
		"connections":     s.engine.Manager().ConnectionCount(),
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.Store().ListNodes()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WritePage(w, http.StatusOK, nodes, ParsePagination(r))
}

type createAdvertisementRequest struct {
	Title            string            `json:"title"`
	TargetURL        string            `json:"target_url"`
	Content          string            `json:"content"`
	BidPerImpression int64             `json:"bid_per_impression"`
	DailyBudget      int64             `json:"daily_budget"`
	Category         string            `json:"category"`
	Active           bool              `json:"active"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

func (s *Server) handleCreateAdvertisement(w http.ResponseWriter, r *http.Request) {
	var req createAdvertisementRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.Title == "" {
		writeInvalidArgument(w, "title is required")
		return
	}
	if req.BidPerImpression <= 0 {
		writeInvalidArgument(w, "bid_per_impression must be positive")
		return
	}

	nowNs := s.clk.Now().UnixNano()
	ad := model.Advertisement{
		GUID:             guid.New(),
		Title:            req.Title,
		TargetURL:        req.TargetURL,
		Content:          req.Content,
		BidPerImpression: req.BidPerImpression,
		DailyBudget:      req.DailyBudget,
		Category:         req.Category,
		Active:           req.Active,
		CreateTimeNs:     nowNs,
		UpdateTimeNs:     nowNs,
	}
	store := s.engine.Store()
	if err := store.UpsertAdvertisement(ad); err != nil {
		writeStoreError(w, err)
		return
	}
	for name, value := range req.Attributes {
		if err := store.UpsertAdAttribute(model.AdAttribute{
			AdvertisementGUID: ad.GUID,
			Name:              name,
			Value:             value,
		}); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if ad.Active {
		s.engine.Payments().ActiveAds().MarkActive(ad.GUID)
	}
	WriteJSON(w, http.StatusCreated, ad)
}

func (s *Server) handleListAdvertisements(w http.ResponseWriter, r *http.Request) {
	ads, err := s.engine.Store().ListAdvertisements()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WritePage(w, http.StatusOK, ads, ParsePagination(r))
}

func (s *Server) handleGetAdvertisement(w http.ResponseWriter, r *http.Request) {
	ad, err := s.engine.Store().GetAdvertisement(r.PathValue("guid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ad)
}

// setAdvertisementActive flips the persisted flag and keeps the payment
// pre-filter cache in step, in that order: the cache tolerates stale
// positives, never stale negatives for an ad about to be served.
func (s *Server) setAdvertisementActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("guid")
		if err := s.engine.Store().SetAdvertisementActive(id, active, s.clk.Now().UnixNano()); err != nil {
			writeStoreError(w, err)
			return
		}
		if active {
			s.engine.Payments().ActiveAds().MarkActive(id)
		} else {
			s.engine.Payments().ActiveAds().MarkInactive(id)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"guid": id, "active": active})
	}
}

type createNetworkRequest struct {
	Name          string `json:"name"`
	PayoutAddress string `json:"payout_address"`
	DailyBudget   int64  `json:"daily_budget"`
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.Name == "" || req.PayoutAddress == "" {
		writeInvalidArgument(w, "name and payout_address are required")
		return
	}
	if req.DailyBudget <= 0 {
		writeInvalidArgument(w, "daily_budget must be positive")
		return
	}

	network := model.AdNetwork{
		GUID:          guid.New(),
		Name:          req.Name,
		PayoutAddress: req.PayoutAddress,
		DailyBudget:   req.DailyBudget,
		CreateTimeNs:  s.clk.Now().UnixNano(),
	}
	if err := s.engine.Store().UpsertAdNetwork(network); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, network)
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.engine.Store().ListAdNetworks()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WritePage(w, http.StatusOK, networks, ParsePagination(r))
}

type deviceAdRequest struct {
	DeviceID      string `json:"device_id"`
	WalletAddress string `json:"wallet_address"`
}

func (s *Server) handleDeviceAdRequest(w http.ResponseWriter, r *http.Request) {
	var req deviceAdRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.DeviceID == "" {
		writeInvalidArgument(w, "device_id is required")
		return
	}

	answer, err := s.engine.RequestAdvertisements(r.Context(), req.DeviceID, clientIP(r), req.WalletAddress)
	if err != nil {
		WriteError(w, http.StatusGatewayTimeout, "NO_ANSWER", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, answer)
}

type deviceSyncRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleDeviceSync(w http.ResponseWriter, r *http.Request) {
	var req deviceSyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.DeviceID == "" {
		writeInvalidArgument(w, "device_id is required")
		return
	}

	answer, err := s.engine.RequestSync(r.Context(), req.DeviceID)
	if err != nil {
		WriteError(w, http.StatusGatewayTimeout, "NO_ANSWER", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, answer)
}

type devicePaymentRequest struct {
	DeviceID          string `json:"device_id"`
	AdvertisementGUID string `json:"advertisement_guid"`
	RequestGUID       string `json:"request_guid"`
}

func (s *Server) handleDevicePayment(w http.ResponseWriter, r *http.Request) {
	var req devicePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.DeviceID == "" || req.AdvertisementGUID == "" || req.RequestGUID == "" {
		writeInvalidArgument(w, "device_id, advertisement_guid and request_guid are required")
		return
	}
	if !guid.Valid(req.RequestGUID) {
		writeInvalidArgument(w, "request_guid is malformed")
		return
	}

	if err := s.engine.SendPaymentRequest(req.DeviceID, req.AdvertisementGUID, req.RequestGUID); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "NO_PEERS", err.Error())
		return
	}
	// Settlement is asynchronous; the claim is accepted, not yet settled.
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type networkAdRequestBody struct {
	PublisherNodeID string `json:"publisher_node_id"`
}

func (s *Server) handleNetworkAdRequest(w http.ResponseWriter, r *http.Request) {
	var req networkAdRequestBody
	if err := decodeBody(r, &req); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if req.PublisherNodeID == "" {
		writeInvalidArgument(w, "publisher_node_id is required")
		return
	}

	answer, err := s.engine.RequestNetworkAds(r.Context(), r.PathValue("guid"), req.PublisherNodeID)
	if err != nil {
		WriteError(w, http.StatusGatewayTimeout, "NO_ANSWER", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, answer)
}
