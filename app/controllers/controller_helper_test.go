package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperror.Validation("link", "required"), fiber.StatusBadRequest},
		{&apperror.QuantityOutOfRangeError{Bound: "min", Limit: 100, Quantity: 5}, fiber.StatusBadRequest},
		{fmt.Errorf("debit: %w", apperror.ErrInsufficientBalance), fiber.StatusPaymentRequired},
		{apperror.ErrForbidden, fiber.StatusForbidden},
		{apperror.ErrNotFound, fiber.StatusNotFound},
		{apperror.ErrServiceUnavailable, fiber.StatusConflict},
		{apperror.ErrAlreadyRefunded, fiber.StatusConflict},
		{apperror.ErrNotCancelable, fiber.StatusConflict},
		{apperror.ErrNotRefillable, fiber.StatusConflict},
		{apperror.ErrInvalidTransition, fiber.StatusConflict},
		{apperror.Permanent("add", "Incorrect service ID"), fiber.StatusUnprocessableEntity},
		{apperror.Transient("status", errors.New("timeout")), fiber.StatusBadGateway},
		{errors.New("disk full"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(apperror.Code(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.status, errorStatus(tt.err))
		})
	}
}

func TestRespondErrorHidesInternalDetails(t *testing.T) {
	app := fiber.New()
	app.Get("/boom", func(c *fiber.Ctx) error {
		return respondError(c, errors.New("dial tcp 10.0.0.5:3306: refused"))
	})
	app.Get("/missing", func(c *fiber.Ctx) error {
		return respondError(c, fmt.Errorf("order 7: %w", apperror.ErrNotFound))
	})

	body := decode(t, app, httptest.NewRequest(fiber.MethodGet, "/boom", nil), fiber.StatusInternalServerError)
	assert.Equal(t, "internal_server_error", body["error"])
	assert.Equal(t, "Internal server error", body["message"])

	body = decode(t, app, httptest.NewRequest(fiber.MethodGet, "/missing", nil), fiber.StatusNotFound)
	assert.Equal(t, "not_found", body["error"])
	assert.Contains(t, body["message"], "order 7")
}

func TestParamIDAndQueryID(t *testing.T) {
	app := fiber.New()
	app.Get("/orders/:id", func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return respondError(c, err)
		}
		svc, err := queryID(c, "service_id")
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"id": id, "service_id": svc})
	})

	body := decode(t, app, httptest.NewRequest(fiber.MethodGet, "/orders/12?service_id=3", nil), fiber.StatusOK)
	assert.Equal(t, float64(12), body["id"])
	assert.Equal(t, float64(3), body["service_id"])

	body = decode(t, app, httptest.NewRequest(fiber.MethodGet, "/orders/12", nil), fiber.StatusOK)
	assert.Nil(t, body["service_id"])

	decode(t, app, httptest.NewRequest(fiber.MethodGet, "/orders/0", nil), fiber.StatusBadRequest)
	decode(t, app, httptest.NewRequest(fiber.MethodGet, "/orders/abc", nil), fiber.StatusBadRequest)
	decode(t, app, httptest.NewRequest(fiber.MethodGet, "/orders/1?service_id=x", nil), fiber.StatusBadRequest)
}

func TestBindValidates(t *testing.T) {
	app := fiber.New()
	app.Post("/orders", func(c *fiber.Ctx) error {
		var req placeOrderRequest
		if err := bind(c, &req); err != nil {
			return respondError(c, err)
		}
		return c.JSON(req)
	})

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"valid", `{"service_id":1,"link":"https://example.com","quantity":100}`, fiber.StatusOK, ""},
		{"missing link", `{"service_id":1,"quantity":100}`, fiber.StatusBadRequest, "link"},
		{"missing service", `{"link":"https://example.com","quantity":100}`, fiber.StatusBadRequest, "serviceid"},
		{"broken json", `{"service_id":`, fiber.StatusBadRequest, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodPost, "/orders", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			body := decode(t, app, req, tt.status)
			if tt.field != "" {
				assert.Equal(t, "validation_error", body["error"])
				assert.Contains(t, body["message"], tt.field)
			}
		})
	}
}

func decode(t *testing.T, app *fiber.App, req *http.Request, status int) map[string]any {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}
