package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wagginmeals/storefront/internal/pkg/middleware"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

var validate = validator.New()

// parseBody decodes and validates a JSON request body.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(out); err != nil {
		return describeValidation(err)
	}
	return nil
}

// describeValidation turns validator errors into "field: rule" messages.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return errors.New(strings.Join(parts, ", "))
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
}

// writeServiceError maps lifecycle errors onto HTTP responses.
func writeServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, subscription.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, subscription.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Subscription not found"})
	case errors.Is(err, subscription.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	log.Errorf("[Subscription] %s %s failed: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Something went wrong"})
}

// customerActor attributes self-service changes to the calling customer.
func customerActor(c *fiber.Ctx) subscription.Actor {
	return subscription.CustomerActor(strings.TrimSpace(c.Get("X-Customer-ID")))
}

func adminActor(c *fiber.Ctx) subscription.Actor {
	id, _ := c.Locals(middleware.KeyAdminID).(string)
	return subscription.AdminActor(id)
}
