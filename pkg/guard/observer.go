package guard

import (
	"fmt"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/gate"
	"github.com/opgate/opgate/pkg/telemetry"
)

// Observer turns gate and ticket transitions into metrics and events.
// Pass it to gate.WithObserver and escalation.WithObserver.
type Observer struct {
	tel       *telemetry.Telemetry
	sessionID string
}

// NewObserver creates an observer that tags events with sessionID.
func NewObserver(tel *telemetry.Telemetry, sessionID string) *Observer {
	if tel == nil {
		tel = telemetry.Discard()
	}
	return &Observer{tel: tel, sessionID: sessionID}
}

// ConfirmationTransition implements gate.Observer.
func (o *Observer) ConfirmationTransition(req *gate.Request, from, to engine.ConfirmationStatus) {
	o.tel.Metrics.RecordConfirmationTransition(string(from), string(to), to.IsTerminal(), req.AwaitedFor())

	level := telemetry.EventLevelInfo
	if to == engine.ConfirmationExpired || to == engine.ConfirmationDenied {
		level = telemetry.EventLevelWarning
	}
	_ = o.tel.Events.Publish(telemetry.Event{
		Type:        telemetry.EventTypeConfirmationChanged,
		Source:      "gate",
		SessionID:   o.sessionID,
		OperationID: req.OperationID,
		Level:       level,
		Message:     fmt.Sprintf("%s -> %s", from, to),
		Data: map[string]interface{}{
			"confirmation_id": req.ID,
			"target":          req.Operation.TargetKey(),
			"reason":          req.Reason,
		},
	})
}

// TicketTransition implements escalation.Observer.
func (o *Observer) TicketTransition(t *engine.Ticket, from, to engine.TicketStatus) {
	o.tel.Metrics.RecordEscalation(string(to))

	ev := telemetry.Event{
		Type:        telemetry.EventTypeEscalationTransition,
		Source:      "escalation",
		SessionID:   o.sessionID,
		OperationID: t.OperationID,
		TicketID:    t.ID,
		Message:     fmt.Sprintf("%s -> %s", from, to),
		Data: map[string]interface{}{
			"kind":       string(t.RequiredCapability.Kind),
			"capability": t.RequiredCapability.String(),
		},
	}
	if from == "" && to == engine.TicketOpen {
		ev.Type = telemetry.EventTypeEscalationOpened
		ev.Level = telemetry.EventLevelWarning
		ev.Message = t.RequiredCapability.String()
		ev.Data["justification"] = t.Justification
	}
	if to == engine.TicketRejected {
		ev.Data["reason"] = t.RejectReason
	}
	_ = o.tel.Events.Publish(ev)
}
