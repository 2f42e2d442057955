package controllers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
	"gorm.io/datatypes"
)

// SubscriptionController serves the customer self-service endpoints.
type SubscriptionController struct {
	svc *subscription.Service
}

func NewSubscriptionController(svc *subscription.Service) *SubscriptionController {
	return &SubscriptionController{svc: svc}
}

type customerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type createSubscriptionRequest struct {
	Customer           customerRequest          `json:"customer"`
	Type               string                   `json:"type"`
	Frequency          string                   `json:"frequency" validate:"required,oneof=weekly biweekly monthly"`
	Amount             float64                  `json:"amount" validate:"gte=0"`
	Currency           string                   `json:"currency"`
	DiscountPercentage float64                  `json:"discount_percentage" validate:"gte=0,lte=100"`
	Items              models.SubscriptionItems `json:"items" validate:"required,min=1,dive"`
	ShippingAddress    models.Address           `json:"shipping_address"`
	PaymentCustomerID  string                   `json:"payment_customer_id"`
	PaymentMethodID    string                   `json:"payment_method_id"`
	StartDate          *time.Time               `json:"start_date"`
	Metadata           datatypes.JSONMap        `json:"metadata"`
}

type pauseRequest struct {
	Reason     string     `json:"reason"`
	ResumeDate *time.Time `json:"resume_date"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type changeFrequencyRequest struct {
	Frequency string `json:"frequency" validate:"required,oneof=weekly biweekly monthly"`
	Reason    string `json:"reason"`
}

type updatePaymentRequest struct {
	PaymentCustomerID string `json:"payment_customer_id"`
	PaymentMethodID   string `json:"payment_method_id" validate:"required"`
}

type updateItemsRequest struct {
	Items models.SubscriptionItems `json:"items" validate:"required,min=1,dive"`
}

// HandleCreate starts a new subscription.
func (sc *SubscriptionController) HandleCreate(c *fiber.Ctx) error {
	var req createSubscriptionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	sub, err := sc.svc.Create(c.UserContext(), subscription.CreateInput{
		Customer: subscription.CustomerInput{
			Email:     req.Customer.Email,
			FirstName: req.Customer.FirstName,
			LastName:  req.Customer.LastName,
			Phone:     req.Customer.Phone,
		},
		Type:               req.Type,
		Frequency:          req.Frequency,
		Amount:             req.Amount,
		Currency:           req.Currency,
		DiscountPercentage: req.DiscountPercentage,
		Items:              req.Items,
		ShippingAddress:    req.ShippingAddress,
		PaymentCustomerRef: req.PaymentCustomerID,
		PaymentMethodRef:   req.PaymentMethodID,
		Metadata:           req.Metadata,
		StartDate:          req.StartDate,
		Actor:              customerActor(c),
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "subscription": sub})
}

func (sc *SubscriptionController) HandleGet(c *fiber.Ctx) error {
	sub, err := sc.svc.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

func (sc *SubscriptionController) HandleInvoices(c *fiber.Ctx) error {
	invoices, err := sc.svc.Invoices(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(fiber.Map{"invoices": invoices})
}

func (sc *SubscriptionController) HandlePause(c *fiber.Ctx) error {
	var req pauseRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.Pause(c.UserContext(), c.Params("id"), subscription.PauseInput{
		Reason:     req.Reason,
		ResumeDate: req.ResumeDate,
		Actor:      customerActor(c),
	}))
}

func (sc *SubscriptionController) HandleResume(c *fiber.Ctx) error {
	return sc.respond(c)(sc.svc.Resume(c.UserContext(), c.Params("id"), customerActor(c)))
}

func (sc *SubscriptionController) HandleCancel(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.Cancel(c.UserContext(), c.Params("id"), req.Reason, customerActor(c)))
}

func (sc *SubscriptionController) HandleSkipNext(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.SkipNext(c.UserContext(), c.Params("id"), req.Reason, customerActor(c)))
}

func (sc *SubscriptionController) HandleChangeFrequency(c *fiber.Ctx) error {
	var req changeFrequencyRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.ChangeFrequency(c.UserContext(), c.Params("id"), req.Frequency, req.Reason, customerActor(c)))
}

func (sc *SubscriptionController) HandleUpdateAddress(c *fiber.Ctx) error {
	var req models.Address
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.ChangeAddress(c.UserContext(), c.Params("id"), req, customerActor(c)))
}

// HandleUpdatePayment swaps the card on file and reactivates a past_due subscription.
func (sc *SubscriptionController) HandleUpdatePayment(c *fiber.Ctx) error {
	var req updatePaymentRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.UpdatePaymentMethod(c.UserContext(), c.Params("id"), req.PaymentCustomerID, req.PaymentMethodID, customerActor(c)))
}

func (sc *SubscriptionController) HandleUpdateItems(c *fiber.Ctx) error {
	var req updateItemsRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	return sc.respond(c)(sc.svc.UpdateItems(c.UserContext(), c.Params("id"), req.Items, customerActor(c)))
}

// respond renders the outcome of a lifecycle operation.
func (sc *SubscriptionController) respond(c *fiber.Ctx) func(*models.Subscription, error) error {
	return func(sub *models.Subscription, err error) error {
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "subscription": sub})
	}
}

// parseOptionalBody accepts an empty body for endpoints whose fields are all optional.
func parseOptionalBody(c *fiber.Ctx, out interface{}) error {
	if len(strings.TrimSpace(string(c.Body()))) == 0 {
		return nil
	}
	return parseBody(c, out)
}
