package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pulsehub/config"
	"pulsehub/internal/apps"
	"pulsehub/internal/cache"
	"pulsehub/internal/queue"
)

const (
	queueName = "webhooks"
	// Duplicate suppression window for identical events.
	dedupeTTL = 2 * time.Second
	// A batch flushes early once it reaches this many events.
	maxBatchSize = 50
)

type batchKey struct {
	appID string
	url   string
}

type batchBuffer struct {
	job   *Job
	timer *time.Timer
}

// Pipeline filters events against each app's webhook endpoints, batches them
// when configured, and enqueues delivery jobs.
type Pipeline struct {
	queue    queue.Queue
	cache    cache.Cache
	sender   *Sender
	batching BatchingConfig

	mu      sync.Mutex
	batches map[batchKey]*batchBuffer
}

// NewPipeline wires the pipeline; call Start to launch the queue workers.
func NewPipeline(q queue.Queue, c cache.Cache, batching BatchingConfig) *Pipeline {
	if batching.Duration <= 0 {
		batching.Duration = 50 * time.Millisecond
	}
	return &Pipeline{
		queue:    q,
		cache:    c,
		sender:   NewSender(),
		batching: batching,
		batches:  make(map[batchKey]*batchBuffer),
	}
}

// Start launches queue workers with the given concurrency.
func (p *Pipeline) Start(concurrency int) error {
	return p.queue.Consume(queueName, concurrency, p.process)
}

func (p *Pipeline) process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		log.Warn().Err(err).Msg("discarding malformed webhook job")
		return nil
	}
	return p.sender.Deliver(ctx, &job)
}

// Emit routes one event to every matching endpoint of the app. It never
// blocks on delivery; failures surface in the worker logs.
func (p *Pipeline) Emit(ctx context.Context, app *apps.App, event Event) {
	matched := make([]*apps.Webhook, 0, len(app.Webhooks))
	for i := range app.Webhooks {
		hook := &app.Webhooks[i]
		if !hook.WantsEvent(event.Name) {
			continue
		}
		if hook.Filter.ChannelPrefix != "" && !strings.HasPrefix(event.Channel, hook.Filter.ChannelPrefix) {
			continue
		}
		matched = append(matched, hook)
	}
	if len(matched) == 0 {
		return
	}
	// The fingerprint is recorded only once an endpoint actually wants the
	// event, so filtered emits cannot shadow a later deliverable one.
	if p.isDuplicate(ctx, app.ID, event) {
		return
	}
	for _, hook := range matched {
		if p.batching.Enabled {
			p.appendToBatch(app, hook, event)
		} else {
			p.enqueue(ctx, &Job{
				ID:      uuid.NewString(),
				AppID:   app.ID,
				AppKey:  app.Key,
				Secret:  app.Secret,
				URL:     hook.URL,
				Headers: hook.Headers,
				Payload: Payload{TimeMS: time.Now().UnixMilli(), Events: []Event{event}},
			})
		}
	}
}

// isDuplicate suppresses identical events within a short window using the
// shared cache, so a flapping channel does not hammer the tenant. The
// fingerprint covers the whole event; two subscription_count events with
// different counts are distinct.
func (p *Pipeline) isDuplicate(ctx context.Context, appID string, event Event) bool {
	raw, err := json.Marshal(event)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append([]byte(appID+"\x00"), raw...))
	key := "webhook:dedupe:" + hex.EncodeToString(sum[:])
	if _, hit, err := p.cache.Get(ctx, key); err == nil && hit {
		return true
	}
	_ = p.cache.Set(ctx, key, "1", dedupeTTL)
	return false
}

func (p *Pipeline) appendToBatch(app *apps.App, hook *apps.Webhook, event Event) {
	key := batchKey{appID: app.ID, url: hook.URL}
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.batches[key]
	if !ok {
		buf = &batchBuffer{
			job: &Job{
				ID:      uuid.NewString(),
				AppID:   app.ID,
				AppKey:  app.Key,
				Secret:  app.Secret,
				URL:     hook.URL,
				Headers: hook.Headers,
				Payload: Payload{TimeMS: time.Now().UnixMilli()},
			},
		}
		buf.timer = time.AfterFunc(p.batching.Duration, func() { p.flush(key) })
		p.batches[key] = buf
	}
	buf.job.Payload.Events = append(buf.job.Payload.Events, event)
	if len(buf.job.Payload.Events) >= maxBatchSize {
		buf.timer.Stop()
		delete(p.batches, key)
		go p.enqueue(context.Background(), buf.job)
	}
}

func (p *Pipeline) flush(key batchKey) {
	p.mu.Lock()
	buf, ok := p.batches[key]
	if ok {
		delete(p.batches, key)
	}
	p.mu.Unlock()
	if ok {
		p.enqueue(context.Background(), buf.job)
	}
}

func (p *Pipeline) enqueue(ctx context.Context, job *Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Msg("marshal webhook job")
		return
	}
	if err := p.queue.Push(ctx, queueName, payload); err != nil {
		log.Error().Err(err).Str("url", job.URL).Msg("enqueue webhook job")
		return
	}
	config.ProcessCounters.WebhooksEnqueued.Add(1)
	config.GetMetrics().WebhookJobs.WithLabelValues(job.AppID).Inc()
}

// FlushAll forces every pending batch out, for shutdown.
func (p *Pipeline) FlushAll() {
	p.mu.Lock()
	keys := make([]batchKey, 0, len(p.batches))
	for k, buf := range p.batches {
		buf.timer.Stop()
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.flush(k)
	}
}
