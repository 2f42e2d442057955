package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/app/repository"
	"github.com/wagginmeals/storefront/internal/pkg/jobqueue"
)

const defaultNewsletterSource = "footer"

// SyncRetrier hands a failed contact sync to the background queue.
type SyncRetrier interface {
	Retry(ctx context.Context, p jobqueue.ContactSyncJobPayload) bool
}

// NewsletterController handles marketing signups and tags them in the CRM.
type NewsletterController struct {
	repo     repository.NewsletterRepository
	contacts jobqueue.ContactSyncer
	syncLog  jobqueue.SyncLogger
	retrier  SyncRetrier
}

func NewNewsletterController(repo repository.NewsletterRepository, contacts jobqueue.ContactSyncer, syncLog jobqueue.SyncLogger, retrier SyncRetrier) *NewsletterController {
	return &NewsletterController{repo: repo, contacts: contacts, syncLog: syncLog, retrier: retrier}
}

type newsletterRequest struct {
	FirstName string `json:"first_name" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Source    string `json:"source" validate:"omitempty,max=50"`
}

// NewsletterTags are the CRM tags a signup from source accumulates.
func NewsletterTags(source string) []string {
	return []string{"newsletter-" + source, "lead-nurture", "email-marketing"}
}

// HandleSubscribe stores the signup, then syncs it to the CRM. A CRM failure
// never fails the signup.
func (nc *NewsletterController) HandleSubscribe(c *fiber.Ctx) error {
	var req newsletterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errors.New("invalid request body"))
	}
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.Email = models.NormalizeEmail(req.Email)
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		req.Source = defaultNewsletterSource
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, describeValidation(err))
	}

	ctx := c.UserContext()
	sub, _, wasActive, err := nc.repo.Subscribe(ctx, req.Email, req.FirstName, req.Source)
	if err != nil {
		log.Errorf("[Newsletter] Failed to save subscriber %s: %v", req.Email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to subscribe"})
	}

	synced := nc.sync(ctx, jobqueue.ContactSyncJobPayload{
		Table:     models.TableNewsletterSubscribers,
		RecordID:  strconv.FormatUint(uint64(sub.ID), 10),
		Email:     sub.Email,
		FirstName: req.FirstName,
		Tags:      NewsletterTags(req.Source),
	})

	message := "Successfully subscribed to newsletter!"
	if wasActive {
		message = "You are already subscribed! Tags updated in our system."
	}
	return c.JSON(fiber.Map{"success": true, "message": message, "ghl_synced": synced})
}

// HandleUnsubscribe opts the address in ?email= out of the newsletter.
func (nc *NewsletterController) HandleUnsubscribe(c *fiber.Ctx) error {
	email := models.NormalizeEmail(c.Query("email"))
	if err := validate.Var(email, "required,email"); err != nil {
		return badRequest(c, errors.New("email: a valid email is required"))
	}

	_, err := nc.repo.Unsubscribe(c.UserContext(), email)
	if errors.Is(err, repository.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Email not found in subscribers"})
	}
	if err != nil {
		log.Errorf("[Newsletter] Failed to unsubscribe %s: %v", email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to unsubscribe"})
	}
	return c.JSON(fiber.Map{"success": true, "message": "You have been unsubscribed."})
}

// HandleAdminList pages through signups for the back office.
func (nc *NewsletterController) HandleAdminList(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultAdminPageSize)
	if limit <= 0 || limit > maxAdminPageSize {
		limit = defaultAdminPageSize
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	subs, total, err := nc.repo.List(c.UserContext(), strings.TrimSpace(c.Query("status")), offset, limit)
	if err != nil {
		log.Errorf("[Newsletter] Failed to list subscribers: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load subscribers"})
	}
	return c.JSON(fiber.Map{"subscribers": subs, "total": total, "limit": limit, "offset": offset})
}

func (nc *NewsletterController) sync(ctx context.Context, p jobqueue.ContactSyncJobPayload) bool {
	if nc.contacts == nil {
		return false
	}
	err := jobqueue.RunContactSync(ctx, nc.contacts, nc.syncLog, p)
	if err == nil {
		return true
	}
	log.Warnf("[Newsletter] CRM sync for %s failed: %v", p.Email, err)
	if nc.retrier != nil && !errors.Is(err, jobqueue.ErrPermanent) {
		nc.retrier.Retry(ctx, p)
	}
	return false
}
