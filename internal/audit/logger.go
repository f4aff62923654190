// Package audit exposes the write entry points of the activity ledger. The
// Logger is a thin facade over ledger.Appender: each method shapes the
// metadata and related targets appropriate to its verb and delegates; there
// is no branching logic beyond payload shaping, and appender failures
// propagate unchanged.
//
// Callers log after their business operation has already succeeded. A failed
// log write must therefore never be translated into a user-facing failure of
// the original action — report it, alert on it, but do not roll back. The
// Logger helps by also recording every append failure to slog, so a caller
// that (correctly) swallows the returned error still leaves a trace.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/admin-console/admin-console/internal/ledger"
	"github.com/admin-console/admin-console/internal/safego"
	"github.com/admin-console/admin-console/internal/telemetry"
)

// Logger is the audit facade. Safe for concurrent use.
type Logger struct {
	appender *ledger.Appender
	shipper  Shipper // optional; nil disables external shipping
}

// Option configures a Logger.
type Option func(*Logger)

// WithShipper forwards every appended entry to external destinations
// (file, webhook) asynchronously.
func WithShipper(s Shipper) Option {
	return func(l *Logger) { l.shipper = s }
}

// NewLogger creates the audit facade over an appender.
func NewLogger(appender *ledger.Appender, opts ...Option) *Logger {
	l := &Logger{appender: appender}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ActionOpts carries the optional parts of a LogAction call.
type ActionOpts struct {
	RelatedTargets []ledger.Target
	Metadata       map[string]any
}

// LogCreate records a `<resource>.create` entry.
func (l *Logger) LogCreate(ctx context.Context, actorID *string, resource string, target ledger.Target, metadata map[string]any) (*ledger.Entry, error) {
	return l.append(ctx, ledger.AppendInput{
		ActorID:  actorID,
		Action:   resource + ".create",
		Target:   target,
		Metadata: metadata,
	})
}

// LogUpdate records a `<resource>.update` entry. The field changes are
// stored verbatim under the metadata key "changes".
func (l *Logger) LogUpdate(ctx context.Context, actorID *string, resource string, target ledger.Target, changes []ledger.FieldChange) (*ledger.Entry, error) {
	return l.append(ctx, ledger.AppendInput{
		ActorID: actorID,
		Action:  resource + ".update",
		Target:  target,
		Metadata: map[string]any{
			"changes": changes,
		},
	})
}

// LogDelete records a `<resource>.delete` entry.
func (l *Logger) LogDelete(ctx context.Context, actorID *string, resource string, target ledger.Target) (*ledger.Entry, error) {
	return l.append(ctx, ledger.AppendInput{
		ActorID: actorID,
		Action:  resource + ".delete",
		Target:  target,
	})
}

// LogAction records a `<resource>.<verb>` entry for non-CRUD verbs such as
// revoke, revoke_all, or impersonate_start.
func (l *Logger) LogAction(ctx context.Context, actorID *string, verb, resource string, target ledger.Target, opts ActionOpts) (*ledger.Entry, error) {
	return l.append(ctx, ledger.AppendInput{
		ActorID:        actorID,
		Action:         resource + "." + verb,
		Target:         target,
		RelatedTargets: opts.RelatedTargets,
		Metadata:       opts.Metadata,
	})
}

func (l *Logger) append(ctx context.Context, in ledger.AppendInput) (*ledger.Entry, error) {
	start := time.Now()
	entry, err := l.appender.Append(ctx, in)
	telemetry.ActivityAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ActivityAppendFailuresTotal.Inc()
		slog.Error("audit append failed", "action", in.Action, "target_type", in.Target.Type, "target_id", in.Target.ID, "error", err)
		return nil, err
	}
	telemetry.ActivityEntriesAppendedTotal.WithLabelValues(in.Action).Inc()
	telemetry.ChainLength.Set(float64(entry.SequenceNumber))

	if l.shipper != nil {
		shipper := l.shipper
		shipped := *entry
		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
			defer cancel()
			if err := shipper.Ship(ctx, &shipped); err != nil {
				slog.Warn("audit entry shipping failed", "sequence", shipped.SequenceNumber, "error", err)
			}
		})
	}

	return entry, nil
}
