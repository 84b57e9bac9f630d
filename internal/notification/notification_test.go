package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

func TestResolve(t *testing.T) {
	action := &model.WorkflowStepAction{
		SendNotificationTo: []string{"+100", "+100", "+200"},
		SendEmailTo:        []string{"hr@example.com", "HR@example.com"},
	}
	settings := model.NotificationSettings{
		SendEmailNotifications: true,
		SendSmsNotifications:   true,
		OnApproval:             []string{"finance@example.com", "hr@EXAMPLE.com"},
	}

	r := Resolve(action, settings, model.NotifyOnApproval)
	assert.Equal(t, []string{"+100", "+200"}, r.SMS)
	assert.Equal(t, []string{"hr@example.com", "finance@example.com"}, r.Email)
}

func TestResolve_channelGates(t *testing.T) {
	action := &model.WorkflowStepAction{SendNotificationTo: []string{"+100"}, SendEmailTo: []string{"a@example.com"}}

	r := Resolve(action, model.NotificationSettings{}, model.NotifyOnStart)
	assert.True(t, r.Empty())

	r = Resolve(nil, model.NotificationSettings{SendEmailNotifications: true, OnStart: []string{"b@example.com"}}, model.NotifyOnStart)
	assert.Nil(t, r.SMS)
	assert.Equal(t, []string{"b@example.com"}, r.Email)
}

func TestRenderString(t *testing.T) {
	out := RenderString("{{EntityType}} {{EntityId}} by {{ActorName}} {{Unknown}}", map[string]string{
		TokenEntityType: "Invoice",
		TokenEntityID:   "INV-1",
		TokenActorName:  "Ann",
	})
	assert.Equal(t, "Invoice INV-1 by Ann {{Unknown}}", out)
}

func TestRenderer_missingTemplate(t *testing.T) {
	r := NewRenderer(MapTemplates{"t": "hi {{ActorName}}"})
	out, ok := r.Render("t", map[string]string{TokenActorName: "Bo"})
	require.True(t, ok)
	assert.Equal(t, "hi Bo", out)

	_, ok = r.Render("missing", nil)
	assert.False(t, ok)

	var nilRenderer *Renderer
	_, ok = nilRenderer.Render("t", nil)
	assert.False(t, ok)
}

func TestRouter_exchangeFor(t *testing.T) {
	r := NewRouter(NewMemoryPublisher(), map[string]string{model.EventWorkflowCompleted: "completed"}, "events", nil, nil)
	assert.Equal(t, "completed", r.ExchangeFor(model.EventWorkflowCompleted))
	assert.Equal(t, "events", r.ExchangeFor("something.else"))
}

func TestRouter_sendCriticalFailureReturnsError(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.SetFail(func(string, model.Event) error { return errors.New("broker down") })
	m := observability.InitMetrics(prometheus.NewRegistry())
	r := NewRouter(pub, nil, "events", m, nil)

	err := r.Send(context.Background(), model.WorkflowStatusChangedEvent{EntityID: "1"})
	require.Error(t, err)
	assert.Equal(t, model.ErrPublishFailed, model.CodeOf(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues(model.EventWorkflowStatusChanged, "error")))
}

func TestRouter_sendNonCriticalFailureQueues(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.SetFail(func(string, model.Event) error { return errors.New("broker down") })
	q := NewRetryQueue(pub, config.RetryConfig{MaxAttempts: 1, BackoffInitial: time.Millisecond, QueueSize: 10}, nil, nil)
	r := NewRouter(pub, nil, "events", nil, nil).WithRetryQueue(q)

	err := r.Send(context.Background(), model.WorkflowCompletedEvent{EntityID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestRetryQueue_redeliver(t *testing.T) {
	pub := NewMemoryPublisher()
	failures := 2
	pub.SetFail(func(string, model.Event) error {
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	})
	q := NewRetryQueue(pub, config.RetryConfig{MaxAttempts: 5, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond, QueueSize: 10}, nil, nil)
	require.True(t, q.Enqueue("workflow-completed", model.WorkflowCompletedEvent{EntityID: "1"}))

	n, err := q.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, "workflow-completed", pub.Published()[0].Exchange)
}

func TestRetryQueue_keepsPermanentFailures(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.SetFail(func(string, model.Event) error { return errors.New("down") })
	q := NewRetryQueue(pub, config.RetryConfig{MaxAttempts: 2, BackoffInitial: time.Millisecond, QueueSize: 10}, nil, nil)
	q.Enqueue("events", model.WorkflowCompletedEvent{EntityID: "1"})

	n, err := q.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, q.Len())
}

func TestRetryQueue_capacity(t *testing.T) {
	q := NewRetryQueue(NewMemoryPublisher(), config.RetryConfig{QueueSize: 1}, nil, nil)
	assert.True(t, q.Enqueue("events", model.WorkflowCompletedEvent{}))
	assert.False(t, q.Enqueue("events", model.WorkflowCompletedEvent{}))
}

func newTestFanout(t *testing.T) (*Fanout, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	router := NewRouter(pub, map[string]string{model.EventNotification: "notifications"}, "events", nil, nil)
	renderer := NewRenderer(MapTemplates{"approval-requested": "Please review {{EntityType}} {{EntityId}} at {{StepName}}"})
	return NewFanout(renderer, router, nil, nil), pub
}

func TestFanout_notifyRendersAndPublishes(t *testing.T) {
	f, pub := newTestFanout(t)

	msgs := f.Notify(context.Background(), Notice{
		Event:  model.NotifyOnStart,
		Action: &model.WorkflowStepAction{SendNotificationTo: []string{"+100"}},
		Settings: model.NotificationSettings{
			SendEmailNotifications: true,
			SendSmsNotifications:   true,
			OnStart:                []string{"hr@example.com"},
			Templates:              map[string]string{model.NotifyOnStart: "approval-requested"},
		},
		TenantID:   "t1",
		EntityType: "Invoice",
		EntityID:   "INV-1",
		Step:       model.WorkflowStep{StepCode: "HR", Name: "HR Review"},
		Status:     model.WorkflowInProgress,
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, model.ChannelEmail, msgs[0].Channel)
	assert.Equal(t, "Please review Invoice INV-1 at HR Review", msgs[0].Body)
	assert.Equal(t, []string{"hr@example.com"}, msgs[0].Recipients)
	assert.Equal(t, model.ChannelSMS, msgs[1].Channel)
	assert.Equal(t, "Approval required: Invoice INV-1", msgs[1].Body)

	published := pub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "notifications", published[0].Exchange)
}

func TestFanout_extraEmailAndDefaultBody(t *testing.T) {
	f, _ := newTestFanout(t)

	msgs := f.Notify(context.Background(), Notice{
		Event:      model.NotifyOnRejection,
		Settings:   model.NotificationSettings{SendEmailNotifications: true},
		EntityType: "Invoice",
		EntityID:   "INV-2",
		Status:     model.WorkflowRejected,
		ExtraEmail: []string{"originator@example.com"},
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"originator@example.com"}, msgs[0].Recipients)
	assert.Contains(t, msgs[0].Body, "Invoice INV-2 is Rejected")
}

func TestFanout_publishFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := NewMemoryPublisher()
	pub.SetFail(func(string, model.Event) error { return errors.New("down") })
	router := NewRouter(pub, nil, "events", nil, zap.New(core))
	f := NewFanout(nil, router, nil, zap.New(core))

	msgs := f.Notify(context.Background(), Notice{
		Event:    model.NotifyOnCompletion,
		Settings: model.NotificationSettings{SendEmailNotifications: true, OnCompletion: []string{"a@example.com"}},
	})

	assert.Len(t, msgs, 1)
	assert.NotZero(t, logs.FilterMessage("event publication failed").Len())
}

func TestFanout_noRecipients(t *testing.T) {
	f, pub := newTestFanout(t)
	msgs := f.Notify(context.Background(), Notice{Event: model.NotifyOnApproval})
	assert.Empty(t, msgs)
	assert.Empty(t, pub.Published())
}

func TestRedisStreamPublisher_publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := NewRedisStreamPublisher(client, "approvals.", 100)
	evt := model.WorkflowCompletedEvent{ID: "e1", EntityType: "Invoice", EntityID: "INV-1", Status: model.WorkflowApproved}
	require.NoError(t, p.Publish(context.Background(), "workflow-completed", evt))

	entries, err := client.XRange(context.Background(), "approvals.workflow-completed", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EventWorkflowCompleted, entries[0].Values["type"])

	var decoded model.WorkflowCompletedEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &decoded))
	assert.Equal(t, "INV-1", decoded.EntityID)
	assert.Equal(t, model.WorkflowApproved, decoded.Status)

	require.NoError(t, p.HealthCheck(context.Background()))
}
