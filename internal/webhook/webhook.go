// Package webhook implements post-success event fan-out (spec §4.12):
// webhook subscriptions are delivered through a bounded worker pool
// with exponential backoff, and may carry a CEL filter expression
// evaluated against the event before dispatch. Grounded in the
// teacher's condition.Evaluator (CEL compile/cache/eval) and its
// fanout Hub's bounded-channel worker pattern.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/orchestrator"
)

const (
	maxAttempts  = 5
	baseBackoff  = 1 * time.Second
	capBackoff   = 60 * time.Second
	deliveryQueueSize = 256
)

// Subscription is a webhook registration (spec §4.12).
type Subscription struct {
	ID     string
	URL    string
	Events map[string]struct{}
	Filter string // optional CEL expression, evaluated against the event
}

// Payload is the JSON body POSTed to a subscriber on a matching event.
type Payload struct {
	Type          string `json:"type"`
	Fingerprint   string `json:"fingerprint"`
	CompileTimeMs int64  `json:"compile_time_ms"`
	PdfURL        string `json:"pdf_url,omitempty"`
}

type delivery struct {
	sub     Subscription
	payload Payload
}

// Dispatcher fans out orchestrator events to subscribers over a
// bounded worker pool. It implements orchestrator.Sink.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string]Subscription

	client *http.Client
	log    *logger.Logger

	celEnv   *cel.Env
	progMu   sync.RWMutex
	programs map[string]cel.Program

	queue chan delivery
	wg    sync.WaitGroup
}

// New builds a Dispatcher with workerCount delivery workers.
func New(workerCount int, log *logger.Logger) (*Dispatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("fingerprint", cel.StringType),
		cel.Variable("compile_time_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("webhook: build CEL env: %w", err)
	}

	d := &Dispatcher{
		subs:     make(map[string]Subscription),
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		celEnv:   env,
		programs: make(map[string]cel.Program),
		queue:    make(chan delivery, deliveryQueueSize),
	}

	if workerCount <= 0 {
		workerCount = 4
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d, nil
}

// Subscribe registers a new subscription and returns its ID.
func (d *Dispatcher) Subscribe(url string, events []string, filter string) (string, error) {
	if filter != "" {
		if _, err := d.compile(filter); err != nil {
			return "", fmt.Errorf("webhook: invalid filter expression: %w", err)
		}
	}

	id := uuid.NewString()
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e] = struct{}{}
	}

	d.mu.Lock()
	d.subs[id] = Subscription{ID: id, URL: url, Events: set, Filter: filter}
	d.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription by ID.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// Emit implements orchestrator.Sink: it matches ev against every
// subscription's event set and CEL filter, and enqueues a delivery
// for each match. Enqueueing never blocks the caller for long — a
// full queue drops the delivery rather than stall the compile path.
func (d *Dispatcher) Emit(ev orchestrator.Event) {
	payload := Payload{
		Type:          ev.Type,
		Fingerprint:   fmt.Sprintf("%016x", ev.Fingerprint),
		CompileTimeMs: ev.CompileTimeMs,
	}

	d.mu.RLock()
	subs := make([]Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if _, ok := s.Events[ev.Type]; ok {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range subs {
		if s.Filter != "" && !d.matches(s.Filter, payload) {
			continue
		}
		select {
		case d.queue <- delivery{sub: s, payload: payload}:
		default:
			if d.log != nil {
				d.log.Warn("webhook: delivery queue full, dropping event", "subscription_id", s.ID, "event", ev.Type)
			}
		}
	}
}

func (d *Dispatcher) matches(expr string, payload Payload) bool {
	prg, err := d.compile(expr)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"event":           payload.Type,
		"fingerprint":     payload.Fingerprint,
		"compile_time_ms": payload.CompileTimeMs,
	})
	if err != nil {
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}

func (d *Dispatcher) compile(expr string) (cel.Program, error) {
	d.progMu.RLock()
	prg, ok := d.programs[expr]
	d.progMu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := d.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := d.celEnv.Program(ast)
	if err != nil {
		return nil, err
	}

	d.progMu.Lock()
	d.programs[expr] = prg
	d.progMu.Unlock()
	return prg, nil
}

// worker drains the delivery queue, retrying each delivery with
// exponential backoff up to maxAttempts (spec §4.12). Delivery
// failures are logged but never propagate to the compile response.
func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for deliv := range d.queue {
		d.deliverWithRetry(deliv)
	}
}

func (d *Dispatcher) deliverWithRetry(deliv delivery) {
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.deliverOnce(deliv); err == nil {
			return
		} else if d.log != nil {
			d.log.Warn("webhook: delivery attempt failed", "subscription_id", deliv.sub.ID, "attempt", attempt, "error", err)
		}

		if attempt == maxAttempts {
			if d.log != nil {
				d.log.Error("webhook: delivery exhausted retries", "subscription_id", deliv.sub.ID)
			}
			return
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > capBackoff {
			backoff = capBackoff
		}
	}
}

func (d *Dispatcher) deliverOnce(deliv delivery) error {
	body, err := json.Marshal(deliv.payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deliv.sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// Close stops the worker pool: it closes the queue and waits until the
// workers have finished every delivery already queued, retries included.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}
