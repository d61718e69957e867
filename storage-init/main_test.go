package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeQueue struct {
	depths []int32
	calls  int
}

func (f *fakeQueue) GetProperties(context.Context, *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error) {
	d := f.depths[min(f.calls, len(f.depths)-1)]
	f.calls++
	var resp azqueue.GetQueuePropertiesResponse
	resp.ApproximateMessagesCount = &d
	return resp, nil
}

func TestWaitDrainedNeedsStableEmptyPolls(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{depths: []int32{2, 0, 1, 0, 0}}
	if err := waitDrained(context.Background(), q, time.Millisecond, 2, logger); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if q.calls != 5 {
		t.Fatalf("polled %d times, want 5", q.calls)
	}
}

func TestWaitDrainedTimesOut(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := waitDrained(ctx, &fakeQueue{depths: []int32{5}}, time.Millisecond, 1, logger)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAlreadyExists(t *testing.T) {
	err := &azcore.ResponseError{ErrorCode: string(aztables.TableAlreadyExists)}
	if !alreadyExists(err, string(aztables.TableAlreadyExists)) {
		t.Fatal("expected table conflict to be ignored")
	}
	if alreadyExists(err, "QueueAlreadyExists") || alreadyExists(errors.New("boom"), "QueueAlreadyExists") {
		t.Fatal("unexpected match")
	}
}
