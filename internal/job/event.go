package job

import (
	"context"
	"jobengine/internal/dispatcher"
	"jobengine/internal/model"
	"jobengine/pkg/cloudevent"
	"log/slog"
	"slices"
)

// Event type prefixes; the state is appended, e.g. jobengine.job.ok.
const (
	EventTypeJob        = "jobengine.job."
	EventTypeInvocation = "jobengine.invocation."
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// NotifierConfig configures state change notifications.
type NotifierConfig struct {
	URL    string   `mapstructure:"url"`
	Key    string   `mapstructure:"key"`
	Events []string `mapstructure:"events"`
	Source string   `mapstructure:"source"`
}

// Notifier publishes job and invocation state changes as CloudEvents through
// a dispatcher. It is registered as an Observer on the Manager.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	cfg        NotifierConfig
	logger     *slog.Logger
}

// NewNotifier creates a notifier delivering to cfg.URL.
func NewNotifier(d dispatcher.Dispatcher, cfg NotifierConfig) *Notifier {
	if cfg.Source == "" {
		cfg.Source = "jobengine"
	}
	return &Notifier{dispatcher: d, cfg: cfg, logger: slog.With("component", "notifier")}
}

// JobChanged implements Observer.
func (n *Notifier) JobChanged(_ context.Context, job *model.Job) {
	data := map[string]any{
		"jobId":       job.ID,
		"toolId":      job.ToolID,
		"state":       string(job.State),
		"attempt":     job.Attempt,
		"destination": job.Destination.ID,
	}
	if job.ExitCode != nil {
		data["exitCode"] = *job.ExitCode
	}
	if job.ErrorKind != "" {
		data["errorKind"] = job.ErrorKind
		data["info"] = job.Info
	}
	event := cloudevent.New(EventTypeJob+string(job.State), n.cfg.Source, job.ID, data)
	if job.InvocationID != "" {
		data["invocationId"] = job.InvocationID
		data["stepIndex"] = job.StepIndex
		event.SetExtension("invocationid", job.InvocationID)
	}
	n.send(event)
}

// InvocationChanged publishes an invocation state change.
func (n *Notifier) InvocationChanged(_ context.Context, inv *model.WorkflowInvocation) {
	data := map[string]any{
		"invocationId": inv.ID,
		"workflowId":   inv.WorkflowID,
		"state":        string(inv.State),
	}
	if inv.Message != "" {
		data["message"] = inv.Message
		data["errorKind"] = inv.ErrorKind
	}
	event := cloudevent.New(EventTypeInvocation+string(inv.State), n.cfg.Source, inv.ID, data)
	event.SetExtension("invocationid", inv.ID)
	n.send(event)
}

func (n *Notifier) send(payload *cloudevent.Event) {
	if n.cfg.URL == "" || !FilteredEvents(payload.Type, n.cfg.Events) {
		return
	}
	event := &dispatcher.Event{
		Payload:     payload,
		Destination: n.cfg.URL,
		SigningKey:  n.cfg.Key,
	}
	if err := n.dispatcher.Dispatch(event); err != nil {
		n.logger.Warn("Notification dropped", "type", payload.Type, "subject", payload.Subject, "error", err)
	}
}
