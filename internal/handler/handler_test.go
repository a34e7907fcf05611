package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/middleware"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	userByID    *model.User
	userByIDErr error

	product    *model.Product
	productErr error

	products    []model.Product
	productsErr error

	createResult   *service.CreateOrderResult
	createErr      error
	createIdentity string

	confirmOrder *model.Order
	confirmErr   error

	cancelErr error

	ordersResp []model.Order
	ordersErr  error

	allOrdersResp []model.Order
	allOrdersErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, email, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.userByID, s.userByIDErr
}

func (s *stubService) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return s.product, s.productErr
}

func (s *stubService) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, s.productsErr
}

func (s *stubService) CreateOrder(ctx context.Context, identity string, items []model.CartItem, clientTotal string) (*service.CreateOrderResult, error) {
	s.createIdentity = identity
	return s.createResult, s.createErr
}

func (s *stubService) ConfirmOrder(ctx context.Context, orderUUID string, details *model.OrderDetails) (*model.Order, error) {
	return s.confirmOrder, s.confirmErr
}

func (s *stubService) CancelOrder(ctx context.Context, orderUUID string) error {
	return s.cancelErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, identity string, limit int) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return s.allOrdersResp, s.allOrdersErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, email string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, email)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "user@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("register must set auth cookie")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "user@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "user@example.com",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func validCheckoutBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(createCheckoutRequest{
		Items: []model.CartItem{{ProductID: 1, Quantity: 2, UnitPrice: "10.00"}},
		Total: "20.00",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestCreateCheckout_GuestIdentity(t *testing.T) {
	svc := &stubService{
		createResult: &service.CreateOrderResult{ProcessorID: "PAYPAL-1", OrderUUID: "uuid-1"},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(validCheckoutBody(t)))
	rec := httptest.NewRecorder()

	h.CreateCheckout(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.createIdentity != service.GuestIdentity {
		t.Fatalf("identity = %q, want %q", svc.createIdentity, service.GuestIdentity)
	}

	var resp createCheckoutResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "PAYPAL-1" || resp.UUID != "uuid-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateCheckout_AuthenticatedIdentity(t *testing.T) {
	svc := &stubService{
		createResult: &service.CreateOrderResult{ProcessorID: "PAYPAL-1", OrderUUID: "uuid-1"},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(validCheckoutBody(t)))
	req.AddCookie(authCookie(t, h, 7, "user@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if svc.createIdentity != "user@example.com" {
		t.Fatalf("identity = %q, want user email", svc.createIdentity)
	}
}

func TestCreateCheckout_InvalidCart(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createCheckoutRequest{
		Items: []model.CartItem{{ProductID: 1, Quantity: 0, UnitPrice: "10.00"}},
		Total: "0.00",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateCheckout(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCreateCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "product not found", err: repository.ErrProductNotFound, wantStatus: http.StatusNotFound},
		{name: "price mismatch", err: service.ErrPriceMismatch, wantStatus: http.StatusForbidden},
		{name: "total verification", err: service.ErrPriceVerification, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{createErr: tt.err}
			h := newTestHandler(t, svc)

			req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(validCheckoutBody(t)))
			rec := httptest.NewRecorder()

			h.CreateCheckout(rec, req)

			if rec.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestConfirmCheckout_RequiresAuth(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(confirmCheckoutRequest{
		OrderUUID: "uuid-1",
		OrderDetails: &model.OrderDetails{
			Items: []model.OrderDetailsItem{{Name: "X", Quantity: 2}},
			Total: "20.00",
		},
	})

	req := httptest.NewRequest(http.MethodPatch, "/api/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestConfirmCheckout_Success(t *testing.T) {
	svc := &stubService{
		confirmOrder: &model.Order{
			UUID:     "uuid-1",
			Username: "user@example.com",
			Details: &model.OrderDetails{
				Items:    []model.OrderDetailsItem{{Name: "X", Quantity: 2}},
				Total:    "20.00",
				Currency: "USD",
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(confirmCheckoutRequest{
		OrderUUID: "uuid-1",
		OrderDetails: &model.OrderDetails{
			Items:    []model.OrderDetailsItem{{Name: "X", Quantity: 2}},
			Total:    "20.00",
			Currency: "USD",
		},
	})

	req := httptest.NewRequest(http.MethodPatch, "/api/checkout", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 7, "user@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp struct {
		Message string        `json:"message"`
		Order   orderResponse `json:"order"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "Order confirmed" || resp.Order.UUID != "uuid-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestConfirmCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "order not found", err: repository.ErrOrderNotFound, wantStatus: http.StatusNotFound},
		{name: "digest mismatch", err: service.ErrOrderVerification, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{confirmErr: tt.err}
			h := newTestHandler(t, svc)
			router := h.SetupRouter()

			body, _ := json.Marshal(confirmCheckoutRequest{
				OrderUUID: "uuid-1",
				OrderDetails: &model.OrderDetails{
					Items: []model.OrderDetailsItem{{Name: "X", Quantity: 2}},
					Total: "20.00",
				},
			})

			req := httptest.NewRequest(http.MethodPatch, "/api/checkout", bytes.NewReader(body))
			req.AddCookie(authCookie(t, h, 7, "user@example.com"))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestCancelCheckout_Success(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(cancelCheckoutRequest{OrderUUID: "uuid-1"})

	req := httptest.NewRequest(http.MethodPut, "/api/checkout", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 7, "user@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
	req.AddCookie(authCookie(t, h, 7, "user@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestGetAdminOrders_Forbidden(t *testing.T) {
	svc := &stubService{
		userByID: &model.User{ID: 7, Email: "user@example.com", IsAdmin: false},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/orders", nil)
	req.AddCookie(authCookie(t, h, 7, "user@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestGetAdminOrders_Success(t *testing.T) {
	svc := &stubService{
		userByID:      &model.User{ID: 1, Email: "admin@example.com", IsAdmin: true},
		allOrdersResp: []model.Order{{UUID: "uuid-1", Username: "user@example.com"}},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/orders", nil)
	req.AddCookie(authCookie(t, h, 1, "admin@example.com"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].UUID != "uuid-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
