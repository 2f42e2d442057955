package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
)

const inlineSyncTimeout = 30 * time.Second

type ContactSyncer interface {
	SyncContact(ctx context.Context, contact ghl.Contact) ghl.SyncResult
	RemoveTagsFromContact(ctx context.Context, email string, tags []string) ghl.SyncResult
}

type SyncLogger interface {
	LogSync(entry ghl.SyncLogEntry)
}

// ContactSyncJobPayload identifies the local row whose CRM mirror is
// updated and the contact state to push.
type ContactSyncJobPayload struct {
	Table        string                 `json:"table"`
	RecordID     string                 `json:"record_id"`
	Email        string                 `json:"email"`
	FirstName    string                 `json:"first_name,omitempty"`
	LastName     string                 `json:"last_name,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	RemoveTags   []string               `json:"remove_tags,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

// ContactSyncHandler processes KindContactSync jobs.
func ContactSyncHandler(contacts ContactSyncer, syncLog SyncLogger) Handler {
	return func(ctx context.Context, job *Job) error {
		var p ContactSyncJobPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return RunContactSync(ctx, contacts, syncLog, p)
	}
}

// RunContactSync pushes the contact, removes tags once the contact exists,
// and mirrors the outcome on the local row.
func RunContactSync(ctx context.Context, contacts ContactSyncer, syncLog SyncLogger, p ContactSyncJobPayload) error {
	result := contacts.SyncContact(ctx, ghl.Contact{
		Email:        p.Email,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Phone:        p.Phone,
		Source:       p.Source,
		Tags:         p.Tags,
		CustomFields: p.CustomFields,
	})

	var removed []string
	if result.Success && len(p.RemoveTags) > 0 {
		if r := contacts.RemoveTagsFromContact(ctx, p.Email, p.RemoveTags); r.Success {
			removed = p.RemoveTags
		} else {
			log.Warnf("[JobQueue] Tag removal for %s failed: %s", p.Email, r.Error)
		}
	}

	if syncLog != nil && p.Table != "" {
		syncLog.LogSync(ghl.SyncLogEntry{
			Table:       p.Table,
			RecordID:    p.RecordID,
			Result:      result,
			Tags:        p.Tags,
			RemovedTags: removed,
		})
	}

	switch {
	case result.Success:
		return nil
	case result.MissingCredentials():
		return fmt.Errorf("%w: %s", ErrPermanent, result.Error)
	default:
		return errors.New(result.Error)
	}
}

// ContactSyncDispatcher hands contact syncs to the queue, falling back to a
// background goroutine when the queue is not running.
type ContactSyncDispatcher struct {
	queue    *Queue
	contacts ContactSyncer
	syncLog  SyncLogger
	wg       sync.WaitGroup
}

func NewContactSyncDispatcher(queue *Queue, contacts ContactSyncer, syncLog SyncLogger) *ContactSyncDispatcher {
	return &ContactSyncDispatcher{queue: queue, contacts: contacts, syncLog: syncLog}
}

// Dispatch never blocks on the CRM.
func (d *ContactSyncDispatcher) Dispatch(ctx context.Context, p ContactSyncJobPayload) {
	if d.queue != nil && d.queue.IsRunning() {
		_, err := d.queue.Enqueue(ctx, KindContactSync, p)
		if err == nil {
			return
		}
		log.Warnf("[JobQueue] Enqueue contact sync for %s failed, syncing inline: %v", p.Email, err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), inlineSyncTimeout)
		defer cancel()
		if err := RunContactSync(ctx, d.contacts, d.syncLog, p); err != nil {
			log.Warnf("[JobQueue] Contact sync for %s failed: %v", p.Email, err)
		}
	}()
}

// DispatchContact dispatches a sync that mirrors onto table/recordID.
func (d *ContactSyncDispatcher) DispatchContact(ctx context.Context, table, recordID string, c ghl.Contact, removeTags []string) {
	d.Dispatch(ctx, ContactSyncJobPayload{
		Table:        table,
		RecordID:     recordID,
		Email:        c.Email,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Phone:        c.Phone,
		Source:       c.Source,
		Tags:         c.Tags,
		RemoveTags:   removeTags,
		CustomFields: c.CustomFields,
	})
}

// Wait blocks until inline syncs started by Dispatch have finished.
func (d *ContactSyncDispatcher) Wait() {
	d.wg.Wait()
}

// Retry queues p for another attempt by a worker. It reports false when no
// queue is running to take it.
func (d *ContactSyncDispatcher) Retry(ctx context.Context, p ContactSyncJobPayload) bool {
	if d.queue == nil || !d.queue.IsRunning() {
		return false
	}
	if _, err := d.queue.Enqueue(ctx, KindContactSync, p); err != nil {
		log.Warnf("[JobQueue] Enqueue contact sync retry for %s failed: %v", p.Email, err)
		return false
	}
	return true
}
