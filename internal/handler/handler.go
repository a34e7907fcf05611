// Package handler содержит HTTP-обработчики API сервиса витрины.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/middleware"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/service"
	"github.com/mmeshcher/storefront-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreateOrder(ctx context.Context, identity string, items []model.CartItem, clientTotal string) (*service.CreateOrderResult, error)
	ConfirmOrder(ctx context.Context, orderUUID string, details *model.OrderDetails) (*model.Order, error)
	CancelOrder(ctx context.Context, orderUUID string) error
	GetOrdersByUser(ctx context.Context, identity string, limit int) ([]model.Order, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса витрины.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, req.Email)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Email)
	w.WriteHeader(http.StatusOK)
}

type productResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Price       string `json:"price"`
	Inventory   int64  `json:"inventory"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Image       string `json:"image"`
}

func toProductResponse(p model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Slug:        p.Slug,
		Price:       p.Price.StringFixed(2),
		Inventory:   p.Inventory,
		Description: p.Description,
		Category:    p.Category,
		Image:       p.Image,
	}
}

// ListProducts возвращает каталог товаров.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, toProductResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает один товар по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	p, err := h.service.GetProductByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.Int64("productID", id))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

type createCheckoutRequest struct {
	Items []model.CartItem `json:"items"`
	Total string           `json:"total"`
}

type createCheckoutResponse struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
}

// CreateCheckout принимает корзину, сверяет её с каталогом и открывает
// транзакцию у платёжного процессора. Гостевой доступ разрешён: без
// аутентификации заказ записывается на гостевую идентичность.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !validation.IsValidCart(req.Items) || !validation.IsValidPriceString(req.Total) {
		writeError(w, http.StatusBadRequest, "invalid cart")
		return
	}

	identityName := service.GuestIdentity
	if identity, ok := middleware.GetIdentityFromContext(r.Context()); ok {
		identityName = identity.Email
	}

	result, err := h.service.CreateOrder(r.Context(), identityName, req.Items, req.Total)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrPriceMismatch):
			// Идентификатор позиции сообщается, значения цен — нет.
			h.logger.Warn("price tampering detected", zap.Error(err), zap.String("identity", identityName))
			writeError(w, http.StatusForbidden, "price mismatch")
		case errors.Is(err, service.ErrPriceVerification):
			h.logger.Warn("total verification failed", zap.Error(err), zap.String("identity", identityName))
			writeError(w, http.StatusForbidden, "price verification failed")
		default:
			h.logger.Error("create checkout error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "error creating order")
		}
		return
	}

	writeJSON(w, http.StatusOK, createCheckoutResponse{
		ID:   result.ProcessorID,
		UUID: result.OrderUUID,
	})
}

type confirmCheckoutRequest struct {
	OrderUUID    string              `json:"order_uuid"`
	OrderDetails *model.OrderDetails `json:"order_details"`
}

type orderResponse struct {
	UUID      string              `json:"uuid"`
	Username  string              `json:"username"`
	Details   *model.OrderDetails `json:"order_details,omitempty"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		UUID:      o.UUID,
		Username:  o.Username,
		Details:   o.Details,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		UpdatedAt: o.UpdatedAt.Format(time.RFC3339),
	}
}

// ConfirmCheckout проверяет целостность заказа по digest и записывает его
// итоговое содержимое после оплаты.
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.OrderUUID == "" || req.OrderDetails == nil || len(req.OrderDetails.Items) == 0 {
		writeError(w, http.StatusBadRequest, "order uuid and details are required")
		return
	}

	order, err := h.service.ConfirmOrder(r.Context(), req.OrderUUID, req.OrderDetails)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, service.ErrOrderVerification):
			h.logger.Warn("order digest mismatch", zap.String("orderUUID", req.OrderUUID))
			writeError(w, http.StatusForbidden, "order verification failed")
		default:
			h.logger.Error("confirm checkout error", zap.Error(err), zap.String("orderUUID", req.OrderUUID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order confirmed",
		"order":   toOrderResponse(*order),
	})
}

type cancelCheckoutRequest struct {
	OrderUUID string `json:"order_uuid"`
}

// CancelCheckout удаляет заказ. Отмена уже отсутствующего заказа считается
// успешной: вызов используется и как компенсация после сбоя оплаты.
func (h *Handler) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	var req cancelCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.OrderUUID == "" {
		writeError(w, http.StatusBadRequest, "order uuid is required")
		return
	}

	if err := h.service.CancelOrder(r.Context(), req.OrderUUID); err != nil {
		h.logger.Error("cancel checkout error", zap.Error(err), zap.String("orderUUID", req.OrderUUID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Order cancelled"})
}

// GetOrders возвращает последние заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), identity.Email, 5)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("identity", identity.Email))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetAdminOrders возвращает все заказы. Доступно только администраторам.
func (h *Handler) GetAdminOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	u, err := h.service.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		h.logger.Error("get admin user error", zap.Error(err), zap.Int64("userID", identity.UserID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !u.IsAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}

	orders, err := h.service.GetAllOrders(r.Context())
	if err != nil {
		h.logger.Error("get all orders error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}
