package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
)

type recordingReconciler struct {
	mu       sync.Mutex
	payloads []string
	result   reconcile.Result
	err      error
	deadline bool
}

func (r *recordingReconciler) ReconcileJSON(ctx context.Context, raw []byte) (reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(raw))
	_, r.deadline = ctx.Deadline()
	return r.result, r.err
}

func newTestSubscriber(rec Reconciler) (*Subscriber, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewSubscriber(MQTTConfig{
		Broker:   "localhost",
		Port:     1883,
		ClientID: "kaze-test",
		Topic:    "v3/+/devices/+/up",
		Timeout:  time.Second,
	}, rec, zap.New(core))
	return s, logs
}

func TestSubscriber_HandleMessage(t *testing.T) {
	rec := &recordingReconciler{result: reconcile.Result{ID: 7, Action: reconcile.ActionInserted, MatchedBy: reconcile.MatchNone}}
	s, logs := newTestSubscriber(rec)

	s.handleMessage("v3/kaze/devices/bike-1/up",
		[]byte(`{"end_device_ids":{"device_id":"bike-1"},"uplink_message":{"decoded_payload":{"text":"{\"t\": 1000, \"pm25\": 3}"}}}`))

	require.Len(t, rec.payloads, 1)
	assert.Equal(t, `{"t":1000,"pm25":3}`, rec.payloads[0])
	assert.True(t, rec.deadline)

	stored := logs.FilterMessage("uplink stored").All()
	require.Len(t, stored, 1)
	assert.Equal(t, "bike-1", stored[0].ContextMap()["device_id"])
}

func TestSubscriber_HandleMessageDropsBadEnvelope(t *testing.T) {
	rec := &recordingReconciler{}
	s, logs := newTestSubscriber(rec)

	s.handleMessage("v3/kaze/devices/bike-1/up", []byte(`{"uplink_message":{}}`))

	assert.Empty(t, rec.payloads)
	assert.Equal(t, 1, logs.FilterMessage("dropping uplink").Len())
}

func TestSubscriber_HandleMessageLogsFailures(t *testing.T) {
	body := []byte(`{"uplink_message":{"decoded_payload":{"text":"{\"la\":1}"}}}`)

	rec := &recordingReconciler{err: &reading.ValidationError{Field: "t", Reason: "required"}}
	s, logs := newTestSubscriber(rec)
	s.handleMessage("topic", body)
	assert.Equal(t, 1, logs.FilterMessage("invalid reading").Len())

	rec = &recordingReconciler{err: errors.New("storage: upsert: connection reset")}
	s, logs = newTestSubscriber(rec)
	s.handleMessage("topic", body)
	assert.Equal(t, 1, logs.FilterMessage("reconcile failed").Len())
}

func TestSubscriber_ConnectAfterDisconnect(t *testing.T) {
	s, _ := newTestSubscriber(&recordingReconciler{})
	s.Disconnect()
	s.Disconnect()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsConnected())
}
