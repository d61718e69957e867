package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

type recordingNotifier struct {
	got []domain.Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n domain.Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestNotifiersFanOutAndJoinErrors(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("queue down")}
	n := Notifiers{failing, ok}

	err := n.Notify(context.Background(), domain.Notification{UserID: "bob", ItemID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "queue down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Fatal("every notifier must be called")
	}
}

func TestInboxRowKeySortsNewestFirst(t *testing.T) {
	older := inboxRowKey(100, "a")
	newer := inboxRowKey(200, "a")
	if newer >= older {
		t.Fatalf("newer key %q must sort before %q", newer, older)
	}
}

func TestInboxEntityKeepsInt64Timestamp(t *testing.T) {
	ent := inboxEntity{
		Entity:        aztables.Entity{PartitionKey: "bob", RowKey: inboxRowKey(1760000000123456789, "t1")},
		CreatedAt:     1760000000123456789,
		CreatedAtType: edmInt64,
	}
	raw, err := sonic.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"CreatedAt":"1760000000123456789"`) ||
		!strings.Contains(string(raw), `"CreatedAt@odata.type":"Edm.Int64"`) {
		t.Fatalf("unexpected entity payload: %s", raw)
	}
	var back inboxEntity
	if err := sonic.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.CreatedAt != ent.CreatedAt || back.PartitionKey != "bob" {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}

func TestEscapeODataString(t *testing.T) {
	if got := escapeODataString("o'brien"); got != "o''brien" {
		t.Fatalf("unexpected escape: %s", got)
	}
}

func TestRebind(t *testing.T) {
	got := rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("unexpected rebind: %s", got)
	}
}
