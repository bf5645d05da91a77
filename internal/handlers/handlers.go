package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"

	"topup-market/internal/auth"
	"topup-market/internal/config"
	"topup-market/internal/filestore"
	"topup-market/internal/logging"
	"topup-market/internal/middleware"
	"topup-market/internal/model"
	"topup-market/internal/pipeline"
	"topup-market/internal/store"
	"topup-market/internal/verifier"
)

type Server struct {
	Store    store.Database
	Config   config.Config
	Pipeline *pipeline.Pipeline
}

func NewServer(cfg config.Config) (*Server, error) {
	s := &Server{Config: cfg}
	if err := s.Store.NewStorage(cfg.DBDsn); err != nil {
		return nil, err
	}

	v := verifier.NewClient(cfg.Verifier, cfg.VerifierKey)
	files := filestore.NewPublic(cfg.FileBaseURL)
	s.Pipeline = pipeline.New(&s.Store, v, files, cfg.ShopBank, cfg.ShopAccount)
	return s, nil
}

type requestBody struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var requestBody requestBody
	err := json.NewDecoder(r.Body).Decode(&requestBody)
	if err != nil {
		http.Error(w, "Bad request format", http.StatusBadRequest)
		return
	}
	passwordHash, err := auth.HashPassword(requestBody.Password)
	if err != nil {
		http.Error(w, "Failed hash the password", http.StatusInternalServerError)
		return
	}

	_, err = s.Store.CreateUser(r.Context(), requestBody.Login, passwordHash)
	if err != nil {
		http.Error(w, "Login already exists", http.StatusConflict)
		return
	}
	authToken, err := auth.GenerateToken(requestBody.Login, model.RoleUser, s.Config.JWTSecret)
	if err != nil {
		http.Error(w, "Failed generation token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", authToken))

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "success",
		"message": "User registered and authenticated",
		"token":   authToken,
	})
}

func (s *Server) LoginUser(w http.ResponseWriter, r *http.Request) {
	var requestBody requestBody
	err := json.NewDecoder(r.Body).Decode(&requestBody)
	if err != nil {
		http.Error(w, "Bad request format", http.StatusBadRequest)
		return
	}

	user, err := s.Store.GetUserByLogin(r.Context(), requestBody.Login)
	if err != nil {
		http.Error(w, "The user does not exist", http.StatusUnauthorized)
		return
	}

	if err := auth.CheckPass(user.PasswordHash, requestBody.Password); err != nil {
		http.Error(w, "Invalid login or password", http.StatusUnauthorized)
		return
	}
	authToken, err := auth.GenerateToken(user.Username, user.Role, s.Config.JWTSecret)
	if err != nil {
		http.Error(w, "Failed generation token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", authToken))

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "success",
		"message": "User authenticated",
		"token":   authToken,
	})
}

func (s *Server) currentUser(r *http.Request) (*model.User, error) {
	username, err := middleware.ExtractUserFromContext(r)
	if err != nil {
		return nil, err
	}
	return s.Store.GetUserByLogin(r.Context(), username)
}

type createOrderRequest struct {
	Kind    model.OrderKind `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
	GameRef string          `json:"game_ref"`
	GameUID string          `json:"game_uid"`
}

func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind != model.KindTopup && req.Kind != model.KindPurchase {
		http.Error(w, "Unknown order kind", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	order := &model.Order{
		UserID:  user.ID,
		Kind:    req.Kind,
		Status:  model.OrderPending,
		Amount:  req.Amount,
		Points:  req.Amount, // курс 1:1
		GameRef: req.GameRef,
		GameUID: req.GameUID,
	}
	id, err := s.Store.CreateOrder(r.Context(), order)
	if err != nil {
		logging.Logg.Error("Failed to create order", "user", user.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]int{"order_id": id})
}

func (s *Server) GetOrders(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	orders, err := s.Store.GetOrdersByUser(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed fetching orders from DB", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(orders)
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	order, err := s.Pipeline.GetOrderStatus(r.Context(), orderID, user.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

type submitSlipRequest struct {
	OrderID int             `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"` // wallet flow, when order_id is absent
	FileRef string          `json:"file_ref"`
}

func (s *Server) SubmitSlip(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	var req submitSlipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.FileRef == "" {
		http.Error(w, "file_ref is required", http.StatusBadRequest)
		return
	}

	slipID, err := s.Pipeline.SubmitSlip(r.Context(), user.ID, req.OrderID, req.Amount, req.FileRef)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"slip_id": slipID})
}

func (s *Server) VerifySlip(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	slipID, err := strconv.Atoi(chi.URLParam(r, "slipID"))
	if err != nil {
		http.Error(w, "Invalid slip id", http.StatusBadRequest)
		return
	}

	result, err := s.Pipeline.VerifySlip(r.Context(), slipID, user.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	toppedUp, err := s.Store.SumByKind(r.Context(), user.ID, model.LedgerTopup)
	if err != nil {
		http.Error(w, "Failed get the topped up amount", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"current":   user.Points,
		"topped_up": toppedUp,
	})
}

func (s *Server) GetTransactions(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		http.Error(w, "User not found in context", http.StatusUnauthorized)
		return
	}

	entries, err := s.Store.ListEntries(r.Context(), user.ID)
	if err != nil {
		logging.Logg.Error("ListEntries", "err", err)
		http.Error(w, "Failed fetching transactions from DB", http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

type adjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (s *Server) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := s.Pipeline.AdjustPoints(r.Context(), userID, req.Amount, req.Description)
	if err != nil {
		s.respondError(w, err)
		return
	}

	logging.Logg.Info("Points adjusted",
		"user", userID,
		"amount", req.Amount.String(),
		"entry", entry.Code,
	)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.Atoi(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	if err := s.Pipeline.CancelOrder(r.Context(), orderID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// respondError maps typed pipeline errors to status codes and a stable
// machine-readable code, so clients never parse message strings.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	message := err.Error()
	if errors.Is(err, pipeline.ErrSettlementFailed) {
		// partial-write condition, already logged with full context
		message = "something went wrong on our side, please contact support"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  errorCode(err),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrSlipNotFound),
		errors.Is(err, pipeline.ErrOrderNotFound),
		errors.Is(err, pipeline.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotOrderOwner):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrSlipAlreadyProcessed),
		errors.Is(err, pipeline.ErrActiveSlipExists),
		errors.Is(err, model.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrVerifierUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrDuplicateReceipt),
		errors.Is(err, pipeline.ErrVerifierRejected),
		errors.Is(err, pipeline.ErrAmountMismatch),
		errors.Is(err, pipeline.ErrReceiverMismatch),
		errors.Is(err, pipeline.ErrStaleTransaction):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrSlipNotFound):
		return "slip_not_found"
	case errors.Is(err, pipeline.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, pipeline.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, pipeline.ErrNotOrderOwner):
		return "not_order_owner"
	case errors.Is(err, pipeline.ErrSlipAlreadyProcessed):
		return "slip_already_processed"
	case errors.Is(err, pipeline.ErrActiveSlipExists):
		return "active_slip_exists"
	case errors.Is(err, pipeline.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, pipeline.ErrVerifierUnavailable):
		return "verifier_unavailable"
	case errors.Is(err, pipeline.ErrDuplicateReceipt):
		return "duplicate_receipt"
	case errors.Is(err, pipeline.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, pipeline.ErrReceiverMismatch):
		return "receiver_mismatch"
	case errors.Is(err, pipeline.ErrStaleTransaction):
		return "stale_transaction"
	case errors.Is(err, pipeline.ErrVerifierRejected):
		return "verifier_rejected"
	case errors.Is(err, pipeline.ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, model.ErrInvalidStateTransition):
		return "invalid_state_transition"
	default:
		return "internal_error"
	}
}
