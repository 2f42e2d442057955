package controllers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/database"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

// newTestService runs without a webhook URL, so notifications are dropped.
func newTestService(t *testing.T, db *gorm.DB) *subscription.Service {
	t.Helper()
	return subscription.NewService(subscription.NewRepository(db), ghl.NewNotifier(ghl.Config{}))
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Customer-ID", "cust-42")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"customer": map[string]interface{}{
			"email":      "Jamie@Example.com",
			"first_name": "Jamie",
			"last_name":  "Rivera",
		},
		"frequency": "monthly",
		"amount":    49.99,
		"items": []map[string]interface{}{
			{"product_id": "7", "product_name": "Chicken Meal", "quantity": 4, "price": 12.5},
		},
		"shipping_address": map[string]interface{}{
			"line1":       "100 Congress Ave",
			"city":        "Austin",
			"state":       "TX",
			"postal_code": "78701",
			"country":     "US",
		},
		"payment_customer_id": "cus_123",
		"payment_method_id":   "pm_123",
	}
}

func subscriptionField(body map[string]interface{}, key string) interface{} {
	sub, _ := body["subscription"].(map[string]interface{})
	return sub[key]
}

func createItems() models.SubscriptionItems {
	return models.SubscriptionItems{{ProductID: "7", ProductName: "Chicken Meal", Quantity: 4, Price: 12.5}}
}
