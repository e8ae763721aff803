package controllers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
)

var validate = validator.New()

// errorStatus maps the engine error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation), errors.Is(err, apperror.ErrQuantityOutOfRange):
		return fiber.StatusBadRequest
	case errors.Is(err, apperror.ErrInsufficientBalance):
		return fiber.StatusPaymentRequired
	case errors.Is(err, apperror.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperror.ErrServiceUnavailable),
		errors.Is(err, apperror.ErrAlreadyRefunded),
		errors.Is(err, apperror.ErrAlreadyCancelRequested),
		errors.Is(err, apperror.ErrInvalidTransition),
		errors.Is(err, apperror.ErrNotCancelable),
		errors.Is(err, apperror.ErrNotRefillable):
		return fiber.StatusConflict
	case errors.Is(err, apperror.ErrProviderPermanent):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrProviderTransient):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes the {"error","message"} body for err. Internal failures are logged and
// answered with a generic message.
func respondError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		message = "Internal server error"
	}
	return c.Status(status).JSON(fiber.Map{"error": apperror.Code(err), "message": message})
}

// paramID reads a positive numeric route parameter.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	raw := strings.TrimSpace(c.Params(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.Validation(name, "invalid id %q", raw)
	}
	return uint(id), nil
}

// queryID reads an optional numeric query parameter.
func queryID(c *fiber.Ctx, name string) (*uint, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, apperror.Validation(name, "invalid id %q", raw)
	}
	v := uint(id)
	return &v, nil
}

// bind parses the JSON body into out and runs its validate tags.
func bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperror.Validation("body", "invalid JSON body")
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperror.Validation(strings.ToLower(fe.Field()), "failed on the '%s' rule", fe.Tag())
		}
		return apperror.Validation("body", "%v", err)
	}
	return nil
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
