package lending

import (
	"context"
	"errors"
	"log"
)

// NotifierGateway delivers notification events. The engine calls Send at
// most once per logged notification and never retries; retrying transport
// is the gateway's own business.
type NotifierGateway interface {
	Send(ctx context.Context, event NotificationEvent) error
}

// NotifierFunc adapts a function to NotifierGateway.
type NotifierFunc func(ctx context.Context, event NotificationEvent) error

func (f NotifierFunc) Send(ctx context.Context, event NotificationEvent) error {
	return f(ctx, event)
}

// LogNotifier writes events to a logger. It is the default gateway when no
// transport is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Send(_ context.Context, e NotificationEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch e.Key.SubjectType {
	case SubjectTitle:
		logger.Printf("[Notifier] %s title=%s available=%d/%d day=%s",
			e.Key.Kind, e.TitleID, e.AvailableCopies, e.TotalCopies, e.Key.Day)
	default:
		logger.Printf("[Notifier] %s loan=%s member=%s title=%s due=%s day=%s",
			e.Key.Kind, e.LoanID, e.MemberID, e.TitleID, e.DueAt.Format("2006-01-02"), e.Key.Day)
	}
	return nil
}

// MultiNotifier sends every event to all gateways and joins their errors.
type MultiNotifier []NotifierGateway

func (m MultiNotifier) Send(ctx context.Context, e NotificationEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
