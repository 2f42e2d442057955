package ghl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCRM is an in-memory stand-in for the contacts API.
type fakeCRM struct {
	mu       sync.Mutex
	contacts map[string]*remoteContact
	nextID   int
	calls    int
	writes   []map[string]interface{}
	failWith int
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	f := &fakeCRM{contacts: map[string]*remoteContact{}}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCRM) seed(email string, tags ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.contacts[email] = &remoteContact{ID: id, Email: email, Tags: tags}
	return id
}

func (f *fakeCRM) tags(email string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contacts[email]; ok {
		return c.Tags
	}
	return nil
}

func (f *fakeCRM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCRM) written() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.writes...)
}

func (f *fakeCRM) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		_, _ = w.Write([]byte(`{"message":"invalid"}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/contacts/":
		out := struct {
			Contacts []remoteContact `json:"contacts"`
		}{Contacts: []remoteContact{}}
		if c, ok := f.contacts[r.URL.Query().Get("email")]; ok && r.URL.Query().Get("locationId") == "loc-1" {
			out.Contacts = append(out.Contacts, *c)
		}
		_ = json.NewEncoder(w).Encode(out)

	case r.Method == http.MethodPost && r.URL.Path == "/contacts/":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.writes = append(f.writes, body)
		f.nextID++
		c := &remoteContact{ID: fmt.Sprintf("c%d", f.nextID), Email: body["email"].(string), Tags: toStrings(body["tags"])}
		f.contacts[c.Email] = c
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"contact": c})

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/contacts/"):
		id := strings.TrimPrefix(r.URL.Path, "/contacts/")
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.writes = append(f.writes, body)
		for _, c := range f.contacts {
			if c.ID != id {
				continue
			}
			if tags, ok := body["tags"]; ok {
				c.Tags = toStrings(tags)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"contact": c})
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func toStrings(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, s.(string))
	}
	return out
}

func TestSyncContactCreatesNewContact(t *testing.T) {
	crm, srv := newFakeCRM(t)
	svc := NewContactService(NewClient(testConfig(srv.URL)))

	result := svc.SyncContact(context.Background(), Contact{
		Email:     "New@Example.com",
		FirstName: "Nora",
		Tags:      []string{"lead-nurture", "lead-nurture", "email-marketing"},
		CustomFields: map[string]interface{}{
			"subscription_status": "active",
		},
	})

	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.ContactID)
	assert.Equal(t, []string{"lead-nurture", "email-marketing"}, result.AddedTags)
	assert.Equal(t, []string{"lead-nurture", "email-marketing"}, crm.tags("new@example.com"))

	writes := crm.written()
	require.Len(t, writes, 1)
	create := writes[0]
	assert.Equal(t, "loc-1", create["locationId"])
	assert.Equal(t, "Nora", create["firstName"])
	fields := create["customFields"].([]interface{})
	require.Len(t, fields, 1)
	assert.Equal(t, "subscription_status", fields[0].(map[string]interface{})["key"])
	assert.Equal(t, "active", fields[0].(map[string]interface{})["field_value"])
}

func TestSyncContactAccumulatesTags(t *testing.T) {
	crm, srv := newFakeCRM(t)
	id := crm.seed("rex@example.com", "customer", "newsletter-footer")
	svc := NewContactService(NewClient(testConfig(srv.URL)))

	result := svc.SyncContact(context.Background(), Contact{
		Email: "rex@example.com",
		Tags:  []string{"newsletter-footer", "subscription-paused"},
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, id, result.ContactID)
	assert.Equal(t, []string{"subscription-paused"}, result.AddedTags)
	assert.Equal(t, []string{"customer", "newsletter-footer", "subscription-paused"}, crm.tags("rex@example.com"))
}

func TestSyncContactWithoutTagsKeepsRemoteTags(t *testing.T) {
	crm, srv := newFakeCRM(t)
	crm.seed("rex@example.com", "customer")
	svc := NewContactService(NewClient(testConfig(srv.URL)))

	result := svc.SyncContact(context.Background(), Contact{Email: "rex@example.com", Phone: "555-0100"})

	require.True(t, result.Success, result.Error)
	writes := crm.written()
	require.Len(t, writes, 1)
	_, sent := writes[0]["tags"]
	assert.False(t, sent)
	assert.Equal(t, "555-0100", writes[0]["phone"])
	assert.Equal(t, []string{"customer"}, crm.tags("rex@example.com"))
}

func TestSyncContactTagUnionProperty(t *testing.T) {
	cases := []struct{ old, add []string }{
		{nil, []string{"a"}},
		{[]string{"a", "b"}, nil},
		{[]string{"a", "b"}, []string{"b", "c", "a"}},
		{[]string{"x"}, []string{"y", "y", "z"}},
	}
	for i, tc := range cases {
		crm, srv := newFakeCRM(t)
		email := fmt.Sprintf("p%d@example.com", i)
		crm.seed(email, tc.old...)
		svc := NewContactService(NewClient(testConfig(srv.URL)))

		result := svc.SyncContact(context.Background(), Contact{Email: email, Tags: tc.add})
		require.True(t, result.Success, result.Error)

		got := crm.tags(email)
		assert.ElementsMatch(t, MergeTags(tc.old, tc.add), got)
		for _, tag := range tc.old {
			assert.Contains(t, got, tag)
		}
	}
}

func TestSyncContactMissingCredentials(t *testing.T) {
	crm, srv := newFakeCRM(t)
	cfg := testConfig(srv.URL)
	cfg.LocationID = ""

	result := NewContactService(NewClient(cfg)).SyncContact(context.Background(), Contact{Email: "a@b.c"})

	assert.False(t, result.Success)
	assert.Equal(t, "GHL_API_KEY or GHL_LOCATION_ID not configured", result.Error)
	assert.Equal(t, 0, crm.callCount())
}

func TestSyncContactHTTPError(t *testing.T) {
	crm, srv := newFakeCRM(t)
	crm.failWith = http.StatusUnprocessableEntity

	result := NewContactService(NewClient(testConfig(srv.URL))).SyncContact(context.Background(), Contact{Email: "a@b.c"})

	assert.False(t, result.Success)
	assert.Equal(t, `HTTP 422: {"message":"invalid"}`, result.Error)
	assert.Equal(t, 1, crm.callCount())
}

func TestSyncContactTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	result := NewContactService(NewClient(testConfig(url))).SyncContact(context.Background(), Contact{Email: "a@b.c"})

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

// garbledCRM answers lookups normally and writes with a 200 and a body that
// is not JSON.
func garbledCRM(t *testing.T, existing bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			contacts := []remoteContact{}
			if existing {
				contacts = append(contacts, remoteContact{ID: "c1", Email: "a@b.c"})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"contacts": contacts})
			return
		}
		_, _ = w.Write([]byte("<html>upstream proxy</html>"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncContactCreateWithUndecodableResponseFails(t *testing.T) {
	srv := garbledCRM(t, false)
	result := NewContactService(NewClient(testConfig(srv.URL))).SyncContact(context.Background(), Contact{Email: "a@b.c", Tags: []string{"lead"}})
	assert.False(t, result.Success)
	assert.Empty(t, result.ContactID)
	assert.Contains(t, result.Error, "no contact id")
}

func TestSyncContactUpdateWithUndecodableResponseSucceeds(t *testing.T) {
	srv := garbledCRM(t, true)
	result := NewContactService(NewClient(testConfig(srv.URL))).SyncContact(context.Background(), Contact{Email: "a@b.c", Tags: []string{"lead"}})
	assert.True(t, result.Success)
	assert.Equal(t, "c1", result.ContactID)
}

func TestRemoveTagsFromContact(t *testing.T) {
	crm, srv := newFakeCRM(t)
	crm.seed("rex@example.com", "subscriber-active", "customer", "subscription-paused")
	svc := NewContactService(NewClient(testConfig(srv.URL)))

	result := svc.RemoveTagsFromContact(context.Background(), "rex@example.com", []string{"subscriber-active", "missing"})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"customer", "subscription-paused"}, crm.tags("rex@example.com"))

	result = svc.RemoveTagsFromContact(context.Background(), "ghost@example.com", []string{"customer"})
	assert.False(t, result.Success)
	assert.Equal(t, "contact not found", result.Error)
}

func TestMergeAndSubtractTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, MergeTags([]string{"a", " b "}, []string{"b", "", "c", "a"}))
	assert.Equal(t, []string{"A", "a"}, MergeTags([]string{"A"}, []string{"a"}))
	assert.Empty(t, MergeTags(nil, nil))

	assert.Equal(t, []string{"a", "c"}, SubtractTags([]string{"a", "b", "c"}, []string{"b", "d"}))
	assert.Empty(t, SubtractTags([]string{"a"}, []string{"a"}))
	assert.Equal(t, []string{"c"}, newTags([]string{"a", "b"}, []string{"b", "c"}))
}
