package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/metrics"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
)

const (
	deliveryTick    = 10 * time.Second
	deliveryBatch   = 100
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 5
	backoffBase     = 30 * time.Second
	backoffCap      = 4 * time.Hour
	maxInboxWorkers = 8
)

// Worker drains the delivery queue: signed POSTs with retry and backoff.
// Tasks for the same inbox run sequentially in creation order; different
// inboxes run concurrently.
type Worker struct {
	store   *db.Store
	conf    *util.AppConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	client  *http.Client

	keyMu sync.Mutex
	keys  map[string]*rsa.PrivateKey // account id -> parsed signing key
}

func NewWorker(store *db.Store, conf *util.AppConfig, log *zap.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		store:   store,
		conf:    conf,
		log:     log,
		metrics: m,
		client:  &http.Client{Timeout: deliveryTimeout},
		keys:    make(map[string]*rsa.PrivateKey),
	}
}

// Run ticks until the context is cancelled. Pending tasks from a previous
// process run are picked up on the first tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(deliveryTick)
	defer ticker.Stop()

	w.log.Info("delivery worker started", zap.Duration("tick", deliveryTick))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("delivery worker stopping")
			return
		case <-ticker.C:
			w.drainDue(ctx)
		}
	}
}

// drainDue processes one batch of due tasks, grouped by inbox.
func (w *Worker) drainDue(ctx context.Context) {
	err, tasks := w.store.ReadDueDeliveries(deliveryBatch)
	if err != nil {
		w.log.Error("failed to read delivery queue", zap.Error(err))
		return
	}
	if len(*tasks) == 0 {
		return
	}

	// Group per inbox; within a group the batch's oldest-first order is
	// kept, so activities reach each server in creation order.
	byInbox := make(map[string][]domain.DeliveryTask)
	for _, task := range *tasks {
		byInbox[task.InboxURI] = append(byInbox[task.InboxURI], task)
	}

	sem := make(chan struct{}, maxInboxWorkers)
	var wg sync.WaitGroup
	for inbox, group := range byInbox {
		wg.Add(1)
		sem <- struct{}{}
		go func(inbox string, group []domain.DeliveryTask) {
			defer wg.Done()
			defer func() { <-sem }()
			for i := range group {
				if ctx.Err() != nil {
					return
				}
				if !w.attempt(ctx, &group[i]) {
					// A failed task blocks the rest of its inbox so
					// ordering survives the retry.
					return
				}
			}
		}(inbox, group)
	}
	wg.Wait()
}

// attempt runs one delivery try and updates the task's queue state.
// Returns true when the inbox may proceed to its next task.
func (w *Worker) attempt(ctx context.Context, task *domain.DeliveryTask) bool {
	status, err := w.deliver(ctx, task)

	switch {
	case err == nil:
		w.metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
		w.log.Info("delivered activity",
			zap.String("inbox", task.InboxURI),
			zap.Int("attempts", task.Attempts+1))
		if err := w.store.DeleteDelivery(task.Id); err != nil {
			w.log.Error("failed to remove delivered task", zap.Error(err))
		}
		return true

	case permanentFailure(status):
		w.metrics.DeliveryAttempts.WithLabelValues("dead").Inc()
		w.log.Warn("delivery rejected permanently",
			zap.String("inbox", task.InboxURI),
			zap.Int("status", status),
			zap.Error(err))
		w.store.MarkDeliveryStatus(task.Id, domain.DeliveryDead)
		return true

	default:
		task.Attempts++
		if task.Attempts >= maxAttempts {
			w.metrics.DeliveryAttempts.WithLabelValues("dead").Inc()
			w.log.Warn("delivery dead after max attempts",
				zap.String("inbox", task.InboxURI),
				zap.Int("attempts", task.Attempts),
				zap.Error(err))
			w.store.MarkDeliveryStatus(task.Id, domain.DeliveryDead)
			return true
		}

		next := time.Now().Add(backoffDelay(task.Attempts))
		w.metrics.DeliveryAttempts.WithLabelValues("retried").Inc()
		w.log.Warn("delivery failed, will retry",
			zap.String("inbox", task.InboxURI),
			zap.Int("attempts", task.Attempts),
			zap.Time("next", next),
			zap.Error(err))
		w.store.UpdateDeliveryAttempt(task.Id, task.Attempts, next)
		return false
	}
}

// deliver performs the signed POST. A non-2xx response is returned as an
// error along with the status code.
func (w *Worker) deliver(ctx context.Context, task *domain.DeliveryTask) (int, error) {
	key, keyId, err := w.signingKey(task)
	if err != nil {
		return 0, err
	}

	body := []byte(task.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, "POST", task.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := SignRequest(req, body, key, keyId); err != nil {
		return 0, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("inbox returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (w *Worker) signingKey(task *domain.DeliveryTask) (*rsa.PrivateKey, string, error) {
	w.keyMu.Lock()
	key, ok := w.keys[task.AccountId.String()]
	w.keyMu.Unlock()

	err, acc := w.store.ReadAccById(task.AccountId)
	if err != nil || acc == nil {
		return nil, "", fmt.Errorf("unknown sender account %s", task.AccountId)
	}

	if !ok {
		key, err = ParsePrivateKey(acc.PrivateKeyPem)
		if err != nil {
			return nil, "", err
		}
		w.keyMu.Lock()
		w.keys[task.AccountId.String()] = key
		w.keyMu.Unlock()
	}

	return key, acc.KeyIRI(w.conf.Conf.Domain), nil
}

// permanentFailure reports whether a status code means the inbox will
// never accept this activity. 429 stays retryable.
func permanentFailure(status int) bool {
	if status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// backoffDelay is the wait before the given attempt number: base * 4^(n-1)
// capped, with +-20% jitter so stalled servers do not see synchronized
// retry bursts.
func backoffDelay(attempts int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 4
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
