package controllers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

const (
	defaultAdminPageSize = 50
	maxAdminPageSize     = 200
)

// ManualBiller charges a single subscription on demand.
type ManualBiller interface {
	ChargeSubscription(ctx context.Context, id string, actor subscription.Actor) (*subscription.ChargeReport, error)
}

// AdminSubscriptionController serves the back-office subscription views.
type AdminSubscriptionController struct {
	svc    *subscription.Service
	biller ManualBiller
}

func NewAdminSubscriptionController(svc *subscription.Service, biller ManualBiller) *AdminSubscriptionController {
	return &AdminSubscriptionController{svc: svc, biller: biller}
}

func pageParams(c *fiber.Ctx) (limit, offset int) {
	limit = c.QueryInt("limit", defaultAdminPageSize)
	if limit <= 0 || limit > maxAdminPageSize {
		limit = defaultAdminPageSize
	}
	offset = c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type manualBillingRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

// HandleList returns subscriptions filtered by status, email or customer.
func (ac *AdminSubscriptionController) HandleList(c *fiber.Ctx) error {
	limit, offset := pageParams(c)

	filter := subscription.ListFilter{
		Status:     strings.TrimSpace(c.Query("status")),
		CustomerID: strings.TrimSpace(c.Query("customer_id")),
		Email:      strings.TrimSpace(c.Query("email")),
		Limit:      limit,
		Offset:     offset,
	}
	subs, total, err := ac.svc.List(c.UserContext(), filter)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"subscriptions": subs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

func (ac *AdminSubscriptionController) HandleGet(c *fiber.Ctx) error {
	sub, err := ac.svc.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

func (ac *AdminSubscriptionController) HandleHistory(c *fiber.Ctx) error {
	history, err := ac.svc.History(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}

func (ac *AdminSubscriptionController) HandleInvoices(c *fiber.Ctx) error {
	invoices, err := ac.svc.Invoices(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"invoices": invoices})
}

func (ac *AdminSubscriptionController) HandleCancel(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	sub, err := ac.svc.Cancel(c.UserContext(), c.Params("id"), req.Reason, adminActor(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "subscription": sub})
}

func (ac *AdminSubscriptionController) HandleExpire(c *fiber.Ctx) error {
	sub, err := ac.svc.Expire(c.UserContext(), c.Params("id"), adminActor(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "subscription": sub})
}

// HandleFailedInvoices lists unpaid invoices for collections follow-up.
func (ac *AdminSubscriptionController) HandleFailedInvoices(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	invoices, total, err := ac.svc.FailedInvoices(c.UserContext(), limit, offset)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"invoices": invoices,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// HandleManualBilling charges one subscription immediately.
func (ac *AdminSubscriptionController) HandleManualBilling(c *fiber.Ctx) error {
	if ac.biller == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "billing_unavailable", "message": "Billing is not configured"})
	}
	var req manualBillingRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	report, err := ac.biller.ChargeSubscription(c.UserContext(), req.SubscriptionID, adminActor(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	log.Infof("[Billing] Manual billing of %s by %s: %s", req.SubscriptionID, adminActor(c).ID, report.Outcome)
	return c.JSON(fiber.Map{"success": report.Outcome == subscription.OutcomeCharged, "result": report})
}
