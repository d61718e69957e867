package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

var retryOptions = policy.RetryOptions{
	MaxRetries:    3,
	TryTimeout:    30 * time.Second,
	RetryDelay:    time.Second,
	MaxRetryDelay: 15 * time.Second,
	StatusCodes:   []int{408, 429, 500, 502, 503, 504},
}

// QueueNotifier hands notifications to an Azure Storage queue consumed by the
// email worker.
type QueueNotifier struct {
	queue *azqueue.QueueClient
}

// NewQueueNotifier creates a notifier for queueName on the given storage account.
func NewQueueNotifier(connStr, queueName string) (*QueueNotifier, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions},
	})
	if err != nil {
		return nil, err
	}
	return &QueueNotifier{queue: q}, nil
}

func (n *QueueNotifier) Notify(ctx context.Context, note domain.Notification) error {
	data, err := sonic.Marshal(note)
	if err != nil {
		return err
	}
	if _, err := n.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

const edmInt64 = "Edm.Int64"

type inboxEntity struct {
	aztables.Entity
	Type          string `json:"Type"`
	ActorID       string `json:"ActorID"`
	ProjectID     string `json:"ProjectID"`
	ItemID        string `json:"ItemID"`
	Title         string `json:"Title"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

// TableInbox keeps each user's notifications in an Azure table, partitioned
// by user and ordered newest first.
type TableInbox struct {
	table *aztables.Client
}

// NewTableInbox creates an inbox backed by tableName.
func NewTableInbox(connStr, tableName string) (*TableInbox, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions},
	})
	if err != nil {
		return nil, err
	}
	return &TableInbox{table: svc.NewClient(tableName)}, nil
}

// inboxRowKey sorts newer notifications first.
func inboxRowKey(ts int64, itemID string) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-ts, itemID)
}

func (t *TableInbox) Notify(ctx context.Context, note domain.Notification) error {
	ent := inboxEntity{
		Entity:        aztables.Entity{PartitionKey: note.UserID, RowKey: inboxRowKey(note.Timestamp, note.ItemID)},
		Type:          note.Type,
		ActorID:       note.ActorID,
		ProjectID:     note.ProjectID,
		ItemID:        note.ItemID,
		Title:         note.Title,
		CreatedAt:     note.Timestamp,
		CreatedAtType: edmInt64,
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := t.table.UpsertEntity(ctx, payload, nil); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

// List returns up to limit of the user's newest notifications.
func (t *TableInbox) List(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := "PartitionKey eq '" + escapeODataString(userID) + "'"
	top := int32(limit)
	pager := t.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	out := []domain.Notification{}
	for pager.More() && len(out) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode == 404 {
				return out, nil
			}
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent inboxEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, domain.Notification{
				Type:      ent.Type,
				UserID:    ent.PartitionKey,
				ActorID:   ent.ActorID,
				ProjectID: ent.ProjectID,
				ItemID:    ent.ItemID,
				Title:     ent.Title,
				Timestamp: ent.CreatedAt,
			})
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func escapeODataString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Notifiers fans a notification out to several notifiers, joining their errors.
type Notifiers []domain.Notifier

func (ns Notifiers) Notify(ctx context.Context, note domain.Notification) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.Notifier = (*QueueNotifier)(nil)
	_ domain.Notifier = (*TableInbox)(nil)
	_ domain.Notifier = Notifiers(nil)
)
