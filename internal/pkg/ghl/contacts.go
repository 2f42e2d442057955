package ghl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
)

const errMissingCredentials = "GHL_API_KEY or GHL_LOCATION_ID not configured"

// Contact is the desired state of a CRM contact. Empty fields are left
// untouched on update.
type Contact struct {
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	Source       string
	Tags         []string
	CustomFields map[string]interface{}
}

// SyncResult never carries a Go error; failures are described in Error.
type SyncResult struct {
	Success   bool     `json:"success"`
	ContactID string   `json:"contact_id,omitempty"`
	AddedTags []string `json:"added_tags,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// MissingCredentials reports a failure that no retry can fix.
func (r SyncResult) MissingCredentials() bool {
	return !r.Success && r.Error == errMissingCredentials
}

type remoteContact struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Phone     string   `json:"phone"`
	Tags      []string `json:"tags"`
}

type customField struct {
	Key        string      `json:"key"`
	FieldValue interface{} `json:"field_value"`
}

// ContactService resolves contacts by email and accumulates tags on them.
type ContactService struct {
	client *Client
}

func NewContactService(client *Client) *ContactService {
	return &ContactService{client: client}
}

// SyncContact creates the contact or updates it in place. On update the
// remote tag set only ever grows: requested tags are merged into the
// existing ones, and no tags key is sent when nothing new was requested.
func (s *ContactService) SyncContact(ctx context.Context, contact Contact) SyncResult {
	result := s.syncContact(ctx, contact)
	recordSync("sync", result)
	return result
}

func (s *ContactService) syncContact(ctx context.Context, contact Contact) SyncResult {
	if !s.client.cfg.HasCredentials() {
		log.Warnf("[GHL] Contact sync skipped for %s: %s", contact.Email, errMissingCredentials)
		return SyncResult{Error: errMissingCredentials}
	}
	email := strings.ToLower(strings.TrimSpace(contact.Email))
	if email == "" {
		return SyncResult{Error: "email is required"}
	}

	existing, failure := s.lookup(ctx, email)
	if failure != "" {
		return SyncResult{Error: failure}
	}

	requested := MergeTags(nil, contact.Tags)
	payload := contactFields(contact)

	if existing != nil {
		added := newTags(existing.Tags, requested)
		if len(requested) > 0 {
			payload["tags"] = MergeTags(existing.Tags, requested)
		}
		if _, failure := s.send(ctx, http.MethodPut, "/contacts/"+url.PathEscape(existing.ID), payload); failure != "" {
			return SyncResult{Error: failure}
		}
		log.Infof("[GHL] Updated contact %s (%s), added tags %v", existing.ID, email, added)
		return SyncResult{Success: true, ContactID: existing.ID, AddedTags: added}
	}

	payload["locationId"] = s.client.cfg.LocationID
	payload["email"] = email
	payload["tags"] = requested
	if contact.Source != "" {
		payload["source"] = contact.Source
	}
	created, failure := s.send(ctx, http.MethodPost, "/contacts/", payload)
	if failure != "" {
		return SyncResult{Error: failure}
	}
	if created.ID == "" {
		return SyncResult{Error: "contact create response carried no contact id"}
	}
	log.Infof("[GHL] Created contact %s (%s)", created.ID, email)
	return SyncResult{Success: true, ContactID: created.ID, AddedTags: requested}
}

// RemoveTagsFromContact overwrites the contact's tags with existing \ tags.
// It is the only path that shrinks a tag set and is reserved for deliberate
// cleanup such as cancellation.
func (s *ContactService) RemoveTagsFromContact(ctx context.Context, email string, tags []string) SyncResult {
	result := s.removeTags(ctx, email, tags)
	recordSync("remove_tags", result)
	return result
}

func (s *ContactService) removeTags(ctx context.Context, email string, tags []string) SyncResult {
	if !s.client.cfg.HasCredentials() {
		return SyncResult{Error: errMissingCredentials}
	}
	email = strings.ToLower(strings.TrimSpace(email))

	existing, failure := s.lookup(ctx, email)
	if failure != "" {
		return SyncResult{Error: failure}
	}
	if existing == nil {
		return SyncResult{Error: "contact not found"}
	}

	remaining := SubtractTags(existing.Tags, tags)
	payload := map[string]interface{}{"tags": remaining}
	if _, failure := s.send(ctx, http.MethodPut, "/contacts/"+url.PathEscape(existing.ID), payload); failure != "" {
		return SyncResult{Error: failure}
	}
	log.Warnf("[GHL] Removed tags %v from contact %s (%s)", tags, existing.ID, email)
	return SyncResult{Success: true, ContactID: existing.ID}
}

// lookup returns the first contact with email, or nil when there is none.
func (s *ContactService) lookup(ctx context.Context, email string) (*remoteContact, string) {
	q := url.Values{}
	q.Set("locationId", s.client.cfg.LocationID)
	q.Set("email", email)

	resp, err := s.client.Request(ctx, http.MethodGet, "/contacts/?"+q.Encode(), nil)
	if err != nil {
		return nil, errorString(err)
	}
	body := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Contacts []remoteContact `json:"contacts"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Sprintf("decode contact lookup: %v", err)
	}
	if len(out.Contacts) == 0 {
		return nil, ""
	}
	return &out.Contacts[0], ""
}

func (s *ContactService) send(ctx context.Context, method, endpoint string, payload map[string]interface{}) (remoteContact, string) {
	resp, err := s.client.Request(ctx, method, endpoint, payload)
	if err != nil {
		return remoteContact{}, errorString(err)
	}
	body := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		return remoteContact{}, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Contact remoteContact `json:"contact"`
	}
	if body != "" {
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			log.Warnf("[GHL] Could not decode %s %s response: %v", method, endpoint, err)
		}
	}
	return out.Contact, ""
}

// contactFields holds the writable fields present in contact.
func contactFields(contact Contact) map[string]interface{} {
	payload := map[string]interface{}{}
	if contact.FirstName != "" {
		payload["firstName"] = contact.FirstName
	}
	if contact.LastName != "" {
		payload["lastName"] = contact.LastName
	}
	if contact.Phone != "" {
		payload["phone"] = contact.Phone
	}
	if len(contact.CustomFields) > 0 {
		keys := make([]string, 0, len(contact.CustomFields))
		for k := range contact.CustomFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]customField, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, customField{Key: k, FieldValue: contact.CustomFields[k]})
		}
		payload["customFields"] = fields
	}
	return payload
}

func errorString(err error) string {
	if errors.Is(err, ErrNotConfigured) {
		return errMissingCredentials
	}
	return err.Error()
}

func recordSync(operation string, result SyncResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.ContactSyncs.WithLabelValues(operation, outcome).Inc()
}
