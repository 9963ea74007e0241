// ABOUTME: Error reporting for failed account passes
// ABOUTME: Sends failures to Sentry when configured, otherwise does nothing
package metrics

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter receives account-level failures that operators should see.
type Reporter interface {
	ReportAccountFailure(accountID, provider string, err error)
	Flush()
}

type nopReporter struct{}

func (nopReporter) ReportAccountFailure(string, string, error) {}
func (nopReporter) Flush() {}

// NopReporter discards every report.
func NopReporter() Reporter { return nopReporter{} }

type sentryReporter struct{}

// NewSentryReporter initializes the Sentry SDK. An empty DSN yields a no-op reporter.
func NewSentryReporter(dsn, environment string) (Reporter, error) {
	if dsn == "" {
		return NopReporter(), nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	return sentryReporter{}, nil
}

func (sentryReporter) ReportAccountFailure(accountID, provider string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("calendar_account_id", accountID)
		scope.SetTag("provider", provider)
		sentry.CaptureException(err)
	})
}

func (sentryReporter) Flush() {
	sentry.Flush(2 * time.Second)
}
