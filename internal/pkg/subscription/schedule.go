package subscription

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/env"
)

type Frequency string

const (
	Weekly   Frequency = models.FrequencyWeekly
	Biweekly Frequency = models.FrequencyBiweekly
	Monthly  Frequency = models.FrequencyMonthly
)

const dateLayout = "2006-01-02"

// ParseFrequency accepts the stored names and the bi-weekly spelling.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekly":
		return Weekly, nil
	case "biweekly", "bi-weekly":
		return Biweekly, nil
	case "monthly":
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown billing frequency %q", s)
	}
}

// NextBillingDate returns the billing day one interval after from, at midnight UTC.
func NextBillingDate(from time.Time, freq Frequency) time.Time {
	day := truncateDay(from)
	switch freq {
	case Weekly:
		return day.AddDate(0, 0, 7)
	case Biweekly:
		return day.AddDate(0, 0, 14)
	default:
		return day.AddDate(0, 1, 0)
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// RetryPolicy schedules retries of a failed charge within one billing cycle.
type RetryPolicy struct {
	// Delays[i] is the wait after failed attempt i+1; the last entry repeats.
	Delays []time.Duration
	// MaxAttempts is the failed attempt count that moves a subscription to past_due.
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:      []time.Duration{24 * time.Hour, 3 * 24 * time.Hour, 7 * 24 * time.Hour},
		MaxAttempts: 3,
	}
}

// RetryPolicyFromEnv reads BILLING_RETRY_DELAYS_DAYS. Each listed delay is
// one attempt, so "1,3,7" fails over to past_due on the third failure.
func RetryPolicyFromEnv() RetryPolicy {
	p := DefaultRetryPolicy()
	raw := env.GetEnv("BILLING_RETRY_DELAYS_DAYS", "")
	if raw == "" {
		return p
	}
	delays, err := ParseRetryDelays(raw)
	if err != nil {
		log.Warnf("[Billing] Ignoring BILLING_RETRY_DELAYS_DAYS: %v", err)
		return p
	}
	p.Delays = delays
	p.MaxAttempts = len(delays)
	return p
}

// ParseRetryDelays reads a comma separated list of day counts such as "1,3,7".
func ParseRetryDelays(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		days, err := strconv.Atoi(part)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("invalid retry delay %q", part)
		}
		out = append(out, time.Duration(days)*24*time.Hour)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no retry delays in %q", s)
	}
	return out, nil
}

// NextRetry returns when to retry after the given failed attempt count.
func (p RetryPolicy) NextRetry(failedAt time.Time, attempt int) time.Time {
	if len(p.Delays) == 0 {
		return failedAt.Add(24 * time.Hour)
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return failedAt.Add(p.Delays[i])
}

// IsFinal reports whether attempt exhausts the policy.
func (p RetryPolicy) IsFinal(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempt >= max
}
