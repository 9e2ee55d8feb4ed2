package metrics

import (
	"context"
	"sync"

	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Decision counters
	CheckInDecisions *telemetry.Counter
	CheckInErrors    *telemetry.Counter

	// Access log counters
	AccessRecordFailures *telemetry.Counter
	AccessEventsDropped  *telemetry.Counter

	// Histograms
	CheckInDuration *telemetry.Histogram
	LockWait        *telemetry.Histogram

	// Gauges
	InFlightCheckIns *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all check-in metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	CheckInDecisions, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "checkin_decisions_total",
		Description: "Total number of scan decisions by outcome",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CheckInErrors, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "checkin_errors_total",
		Description: "Total number of scans that failed with an infrastructure error",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	AccessRecordFailures, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "access_record_failures_total",
		Description: "Total number of access records that could not be written after retries",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	AccessEventsDropped, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "access_events_dropped_total",
		Description: "Total number of access events that could not be published",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CheckInDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "checkin_duration_ms",
		Description: "Time to decide one scan",
		Unit:        "ms",
	})
	if err != nil {
		return err
	}

	LockWait, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "checkin_lock_wait_ms",
		Description: "Time spent waiting for the per-ticket lock",
		Unit:        "ms",
	})
	if err != nil {
		return err
	}

	InFlightCheckIns, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "checkin_in_flight",
		Description: "Current number of scans being evaluated",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordDecision records one decided scan
func RecordDecision(ctx context.Context, outcome string, durationMs float64) {
	if CheckInDecisions != nil {
		CheckInDecisions.Inc(ctx,
			attribute.String("outcome", outcome),
		)
	}
	if CheckInDuration != nil {
		CheckInDuration.Record(ctx, durationMs,
			attribute.String("outcome", outcome),
		)
	}
}

// RecordError records a scan that ended in an infrastructure error
func RecordError(ctx context.Context, stage string) {
	if CheckInErrors != nil {
		CheckInErrors.Inc(ctx,
			attribute.String("stage", stage),
		)
	}
}

// RecordLockWait records how long a scan waited for its ticket
func RecordLockWait(ctx context.Context, backend string, durationMs float64) {
	if LockWait != nil {
		LockWait.Record(ctx, durationMs,
			attribute.String("backend", backend),
		)
	}
}

// RecordAccessRecordFailure records an access log row given up on
func RecordAccessRecordFailure(ctx context.Context, action int) {
	if AccessRecordFailures != nil {
		AccessRecordFailures.Inc(ctx,
			attribute.Int("access_action_id", action),
		)
	}
}

// RecordAccessEventDropped records an access event that never reached Kafka
func RecordAccessEventDropped(ctx context.Context) {
	if AccessEventsDropped != nil {
		AccessEventsDropped.Inc(ctx)
	}
}

// ScanStarted marks a scan as in flight
func ScanStarted(ctx context.Context) {
	if InFlightCheckIns != nil {
		InFlightCheckIns.Add(ctx, 1)
	}
}

// ScanFinished marks a scan as done
func ScanFinished(ctx context.Context) {
	if InFlightCheckIns != nil {
		InFlightCheckIns.Add(ctx, -1)
	}
}
