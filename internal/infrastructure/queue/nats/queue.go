package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/infrastructure/resilience"
)

// Queue carries refresh jobs to the background worker pool and mirrors
// progress events between API instances so an SSE subscriber can be
// connected to any node.
type Queue struct {
	conn            *nats.Conn
	refreshSubject  string
	progressSubject string
	instanceID      string
	executor        *resilience.Executor
}

func New(url, refreshSubject, progressSubject string) (*Queue, error) {
	return NewWithOptions(url, refreshSubject, progressSubject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url, refreshSubject, progressSubject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("tendersearch"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:            conn,
		refreshSubject:  refreshSubject,
		progressSubject: progressSubject,
		instanceID:      uuid.NewString(),
		executor:        options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishRefresh(ctx context.Context, job domain.RefreshJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode refresh job: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.refreshSubject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish_refresh", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeRefresh consumes refresh jobs inside the "refresh-workers"
// queue group, so each job is handled by exactly one worker instance.
// It blocks until ctx is done, then drains the subscription.
func (q *Queue) SubscribeRefresh(ctx context.Context, handler func(context.Context, domain.RefreshJob) error) error {
	sub, err := q.conn.QueueSubscribe(q.refreshSubject, "refresh-workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var job domain.RefreshJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Printf("refresh job decode error: %v", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, job); err != nil {
			log.Printf("refresh handler error for hash=%s: %v", job.ParamsHash, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

type progressEnvelope struct {
	Instance string               `json:"instance"`
	Event    domain.ProgressEvent `json:"event"`
}

// PublishProgress mirrors a locally produced event to the other API
// instances. Progress mirroring is best-effort; a publish failure must
// not fail the search, so errors are logged and swallowed.
func (q *Queue) PublishProgress(event domain.ProgressEvent) {
	if q.progressSubject == "" {
		return
	}
	payload, err := json.Marshal(progressEnvelope{Instance: q.instanceID, Event: event})
	if err != nil {
		log.Printf("encode progress event: %v", err)
		return
	}
	if err := q.conn.Publish(q.progressSubject, payload); err != nil {
		log.Printf("publish progress event: %v", err)
	}
}

// SubscribeProgress feeds events mirrored by other instances into
// handler. Events this instance published itself are skipped.
func (q *Queue) SubscribeProgress(ctx context.Context, handler func(domain.ProgressEvent)) error {
	if q.progressSubject == "" {
		<-ctx.Done()
		return nil
	}
	sub, err := q.conn.Subscribe(q.progressSubject, func(msg *nats.Msg) {
		var env progressEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("progress event decode error: %v", err)
			return
		}
		if env.Instance == q.instanceID {
			return
		}
		handler(env.Event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe progress: %w", err)
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe progress: %w", err)
	}
	return nil
}
