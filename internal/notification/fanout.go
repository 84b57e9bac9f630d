package notification

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Recipients are the resolved addresses per channel.
type Recipients struct {
	SMS   []string
	Email []string
}

// Empty reports whether no channel has recipients.
func (r Recipients) Empty() bool {
	return len(r.SMS) == 0 && len(r.Email) == 0
}

// Resolve computes recipients for a workflow event. SMS recipients come from
// the action's SendNotificationTo when SMS is enabled. Email recipients are
// the action's SendEmailTo plus the policy list for the event when email is
// enabled. Both sets are deduplicated ignoring case, keeping first spelling.
func Resolve(action *model.WorkflowStepAction, settings model.NotificationSettings, event string) Recipients {
	var r Recipients
	if settings.SendSmsNotifications && action != nil {
		r.SMS = dedupe(action.SendNotificationTo)
	}
	if settings.SendEmailNotifications {
		var email []string
		if action != nil {
			email = append(email, action.SendEmailTo...)
		}
		email = append(email, settings.PolicyFor(event)...)
		r.Email = dedupe(email)
	}
	return r
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// Notice describes one workflow event to notify about.
type Notice struct {
	Event        string
	Action       *model.WorkflowStepAction
	Settings     model.NotificationSettings
	TenantID     string
	EntityType   string
	EntityID     string
	WorkflowCode string
	Step         model.WorkflowStep
	Actor        model.Actor
	Comments     string
	Reason       string
	Status       model.WorkflowStatus

	// ExtraEmail recipients are added to the email set when email is
	// enabled, e.g. the originator of a rejected request.
	ExtraEmail []string
}

// Tokens returns the template tokens for the notice.
func (n Notice) Tokens() map[string]string {
	return map[string]string{
		TokenEntityType:   n.EntityType,
		TokenEntityID:     n.EntityID,
		TokenStepName:     n.Step.Name,
		TokenStepCode:     n.Step.StepCode,
		TokenActorID:      n.Actor.ID,
		TokenActorName:    n.Actor.Name,
		TokenActorEmail:   n.Actor.Email,
		TokenComments:     n.Comments,
		TokenReason:       n.Reason,
		TokenWorkflowCode: n.WorkflowCode,
		TokenStatus:       string(n.Status),
	}
}

var defaultSubjects = map[string]string{
	model.NotifyOnStart:      "Approval required: {{EntityType}} {{EntityId}}",
	model.NotifyOnApproval:   "{{EntityType}} {{EntityId}} approved at {{StepName}}",
	model.NotifyOnRejection:  "{{EntityType}} {{EntityId}} rejected",
	model.NotifyOnCompletion: "{{EntityType}} {{EntityId}} approval completed",
	model.NotifyOnTimeout:    "{{EntityType}} {{EntityId}} approval timed out",
}

const defaultBody = "{{EntityType}} {{EntityId}} is {{Status}} ({{WorkflowCode}} / {{StepName}}). {{Comments}}"

// EventPublisher publishes an event through the router.
type EventPublisher interface {
	Send(ctx context.Context, event model.Event) error
}

// Fanout turns workflow notices into notification messages and publishes
// them. Failures are logged and never returned.
type Fanout struct {
	renderer  *Renderer
	publisher EventPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewFanout creates a Fanout.
func NewFanout(renderer *Renderer, publisher EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		renderer:  renderer,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Notify resolves recipients for the notice and publishes one message per
// channel that has recipients. It returns the messages it built.
func (f *Fanout) Notify(ctx context.Context, n Notice) []model.NotificationMessage {
	recipients := Resolve(n.Action, n.Settings, n.Event)
	if n.Settings.SendEmailNotifications && len(n.ExtraEmail) > 0 {
		recipients.Email = dedupe(append(recipients.Email, n.ExtraEmail...))
	}
	if recipients.Empty() {
		f.logger.Debug("no notification recipients",
			zap.String("event", n.Event),
			zap.String("entity_type", n.EntityType),
			zap.String("entity_id", n.EntityID),
		)
		return nil
	}

	tokens := n.Tokens()
	subject := RenderString(defaultSubjects[n.Event], tokens)
	templateName := n.Settings.Templates[n.Event]
	body, ok := f.renderer.Render(templateName, tokens)
	if !ok {
		if templateName != "" {
			f.logger.Warn("notification template not found, using default body",
				zap.String("template", templateName),
				zap.String("event", n.Event),
			)
		}
		body = RenderString(defaultBody, tokens)
	}

	var messages []model.NotificationMessage
	build := func(channel string, to []string, text string) {
		if len(to) == 0 {
			return
		}
		messages = append(messages, model.NotificationMessage{
			ID:         uuid.New().String(),
			Channel:    channel,
			Event:      n.Event,
			TenantID:   n.TenantID,
			EntityType: n.EntityType,
			EntityID:   n.EntityID,
			Recipients: to,
			Template:   templateName,
			Subject:    subject,
			Body:       text,
			Tokens:     tokens,
			CreatedAt:  f.now(),
		})
	}
	build(model.ChannelEmail, recipients.Email, body)
	build(model.ChannelSMS, recipients.SMS, subject)

	for _, msg := range messages {
		if f.publisher == nil {
			break
		}
		if err := f.publisher.Send(ctx, msg); err != nil {
			f.logger.Warn("notification publication failed",
				zap.String("channel", msg.Channel),
				zap.String("event", msg.Event),
				zap.Error(err),
			)
			continue
		}
		f.metrics.RecordNotification(msg.Channel, msg.Event)
	}
	return messages
}
