package coordination

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/taskward/internal/infra/eventbus/kafka"
)

// CoordinationMetrics defines the metrics operations a coordinator node
// records.
type CoordinationMetrics interface {
	// EventBus metrics.
	kafka.BrokerMetrics

	// Leader election metrics.
	SetLeaderStatus(ctx context.Context, isLeader bool)

	// Job lifecycle metrics.
	IncJobsClaimed(ctx context.Context)
	IncClaimsSuperseded(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context)
	IncJobsReassigned(ctx context.Context)
	IncProgressWritesDropped(ctx context.Context)
}

var _ CoordinationMetrics = (*coordinationMetrics)(nil)

type coordinationMetrics struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Leader election metrics.
	leaderStatus metric.Int64UpDownCounter

	// Job lifecycle metrics.
	jobsClaimed           metric.Int64Counter
	claimsSuperseded      metric.Int64Counter
	jobsCompleted         metric.Int64Counter
	jobsFailed            metric.Int64Counter
	jobsReassigned        metric.Int64Counter
	progressWritesDropped metric.Int64Counter
}

const namespace = "coordinator"

// NewCoordinationMetrics creates a metrics instance backed by the given
// meter provider.
func NewCoordinationMetrics(mp metric.MeterProvider) (*coordinationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(coordinationMetrics)
	var err error

	if c.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if c.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if c.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if c.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if c.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("Indicates if this instance is the leader (1) or follower (0)"),
	); err != nil {
		return nil, err
	}

	if c.jobsClaimed, err = meter.Int64Counter(
		"jobs_claimed_total",
		metric.WithDescription("Total number of job allocations claimed by this node"),
	); err != nil {
		return nil, err
	}

	if c.claimsSuperseded, err = meter.Int64Counter(
		"claims_superseded_total",
		metric.WithDescription("Total number of claims rejected because a newer allocation won"),
	); err != nil {
		return nil, err
	}

	if c.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs finished with a result"),
	); err != nil {
		return nil, err
	}

	if c.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of jobs finished with a failure"),
	); err != nil {
		return nil, err
	}

	if c.jobsReassigned, err = meter.Int64Counter(
		"jobs_reassigned_total",
		metric.WithDescription("Total number of stale jobs reassigned by the leader"),
	); err != nil {
		return nil, err
	}

	if c.progressWritesDropped, err = meter.Int64Counter(
		"progress_writes_dropped_total",
		metric.WithDescription("Total number of progress updates dropped while a write was in flight"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *coordinationMetrics) IncMessagePublished(ctx context.Context, topic string) {
	c.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *coordinationMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	c.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *coordinationMetrics) IncPublishError(ctx context.Context, topic string) {
	c.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *coordinationMetrics) IncConsumeError(ctx context.Context, topic string) {
	c.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *coordinationMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		c.leaderStatus.Add(ctx, 1)
	} else {
		c.leaderStatus.Add(ctx, -1)
	}
}

func (c *coordinationMetrics) IncJobsClaimed(ctx context.Context) { c.jobsClaimed.Add(ctx, 1) }

func (c *coordinationMetrics) IncClaimsSuperseded(ctx context.Context) {
	c.claimsSuperseded.Add(ctx, 1)
}

func (c *coordinationMetrics) IncJobsCompleted(ctx context.Context) { c.jobsCompleted.Add(ctx, 1) }

func (c *coordinationMetrics) IncJobsFailed(ctx context.Context) { c.jobsFailed.Add(ctx, 1) }

func (c *coordinationMetrics) IncJobsReassigned(ctx context.Context) { c.jobsReassigned.Add(ctx, 1) }

func (c *coordinationMetrics) IncProgressWritesDropped(ctx context.Context) {
	c.progressWritesDropped.Add(ctx, 1)
}
