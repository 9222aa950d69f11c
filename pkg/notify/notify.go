// Package notify defines the outbound notification contract. Delivery is an
// external collaborator; the core only needs a non-blocking call.
package notify

import (
	"context"

	"github.com/keybridge-labs/authd/pkg/logger"
)

// Template keys for notifications the core sends.
const (
	TemplateMFAEnabled    = "mfa_enabled"
	TemplateMFADisabled   = "mfa_disabled"
	TemplateBackupCodes   = "backup_codes_regenerated"
	TemplatePasswordReset = "password_reset"
)

// Notifier sends a templated notification to a principal.
type Notifier interface {
	Send(ctx context.Context, principalID, templateKey string, vars map[string]string)
}

// Dispatch invokes the notifier on its own goroutine so callers never block
// on delivery.
func Dispatch(n Notifier, principalID, templateKey string, vars map[string]string) {
	if n == nil {
		return
	}
	go n.Send(context.Background(), principalID, templateKey, vars)
}

// LogNotifier is the default Notifier; it records the notification instead
// of delivering it.
type LogNotifier struct{}

// Send logs the notification.
func (LogNotifier) Send(_ context.Context, principalID, templateKey string, vars map[string]string) {
	logger.Get().Info("notification dispatched",
		"principal_id", principalID,
		"template", templateKey,
		"vars", vars,
	)
}
