// Package relay moves signed vouchers from a source node's outbox to a
// destination node's mint endpoint. Ordering per voucher is fixed: journal
// check, flow budget, deliver, journal write, ack. The journal write lands
// before the ack so a crash in between replays the voucher and the
// destination's processed set turns the replay into a no-op.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rebasenet/native/bridge"
	"rebasenet/observability"
	"rebasenet/services/relayerd/journal"
	"rebasenet/services/relayerd/noderpc"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchLimit   = 32
)

// ErrUnknownRoute indicates a route name that is not configured.
var ErrUnknownRoute = errors.New("relay: unknown route")

// RouteSpec describes one source to destination pairing.
type RouteSpec struct {
	Name         string
	Source       *noderpc.Client
	Dest         *noderpc.Client
	Budget       bridge.FlowBudget
	PollInterval time.Duration
	BatchLimit   int
	Paused       bool
}

// Config carries the relayer's shared collaborators.
type Config struct {
	Journal *journal.Store
	Logger  *slog.Logger
}

type route struct {
	name    string
	source  *noderpc.Client
	dest    *noderpc.Client
	limiter *bridge.FlowLimiter
	poll    time.Duration
	batch   int
	paused  atomic.Bool
}

// Relayer runs one polling worker per configured route.
type Relayer struct {
	journal *journal.Store
	logger  *slog.Logger
	metrics *observability.RelayerdMetrics
	routes  map[string]*route
	wg      sync.WaitGroup
}

// New validates the route specs and builds a relayer.
func New(cfg Config, specs ...RouteSpec) (*Relayer, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("relay: journal required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("relay: at least one route required")
	}
	routes := make(map[string]*route, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("relay: route name required")
		}
		if _, dup := routes[spec.Name]; dup {
			return nil, fmt.Errorf("relay: duplicate route %q", spec.Name)
		}
		if spec.Source == nil || spec.Dest == nil {
			return nil, fmt.Errorf("relay: route %q: source and dest clients required", spec.Name)
		}
		poll := spec.PollInterval
		if poll <= 0 {
			poll = defaultPollInterval
		}
		batch := spec.BatchLimit
		if batch <= 0 {
			batch = defaultBatchLimit
		}
		rt := &route{
			name:    spec.Name,
			source:  spec.Source,
			dest:    spec.Dest,
			limiter: bridge.NewFlowLimiter(spec.Budget),
			poll:    poll,
			batch:   batch,
		}
		rt.paused.Store(spec.Paused)
		routes[spec.Name] = rt
	}
	return &Relayer{
		journal: cfg.Journal,
		logger:  logger,
		metrics: observability.Relayerd(),
		routes:  routes,
	}, nil
}

// Start launches one worker per route. Workers stop when ctx ends.
func (r *Relayer) Start(ctx context.Context) {
	for _, rt := range r.routes {
		r.wg.Add(1)
		go r.runRoute(ctx, rt)
	}
}

// Wait blocks until every route worker has returned.
func (r *Relayer) Wait() {
	r.wg.Wait()
}

func (r *Relayer) runRoute(ctx context.Context, rt *route) {
	defer r.wg.Done()
	ticker := time.NewTicker(rt.poll)
	defer ticker.Stop()
	for {
		if !rt.paused.Load() {
			if err := r.drain(ctx, rt); err != nil && ctx.Err() == nil {
				r.logger.Error("route poll failed", "route", rt.name, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains the named route a single time, synchronously. The admin
// surface and tests use it to force a pass outside the poll cadence.
func (r *Relayer) RunOnce(ctx context.Context, name string) error {
	rt, ok := r.routes[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownRoute, name)
	}
	return r.drain(ctx, rt)
}

func (r *Relayer) drain(ctx context.Context, rt *route) error {
	pending, err := rt.source.PendingVouchers(ctx, 0, rt.batch)
	if err != nil {
		return fmt.Errorf("poll source: %w", err)
	}
	r.metrics.SetBacklog(rt.name, len(pending))
	for _, entry := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rt.paused.Load() {
			break
		}
		if err := r.deliver(ctx, rt, entry); err != nil {
			r.logger.Warn("voucher delivery failed",
				"route", rt.name,
				"voucher", entry.ID,
				"error", err,
			)
		}
	}
	if depth, derr := rt.source.OutboxDepth(ctx); derr == nil {
		r.metrics.SetBacklog(rt.name, depth)
	}
	return nil
}

func (r *Relayer) deliver(ctx context.Context, rt *route, entry noderpc.PendingVoucher) error {
	start := time.Now()
	var signed bridge.SignedVoucher
	if err := json.Unmarshal(entry.Voucher, &signed); err != nil {
		r.metrics.RecordDelivery(rt.name, "failed", time.Since(start))
		return fmt.Errorf("parse voucher %s: %w", entry.ID, err)
	}
	fingerprint := journal.Fingerprint(entry.Voucher)
	prior, err := r.journal.Lookup(signed.Voucher.ID)
	if err != nil {
		return err
	}
	if prior != nil {
		if prior.Fingerprint != fingerprint {
			// Same ID, different payload: never ack, never deliver.
			r.metrics.RecordDelivery(rt.name, "failed", time.Since(start))
			return fmt.Errorf("voucher %s payload does not match journal fingerprint", signed.Voucher.ID)
		}
		if prior.Status != journal.StatusFailed {
			if err := rt.source.AckVoucher(ctx, entry.ID); err != nil {
				return fmt.Errorf("ack settled voucher %s: %w", entry.ID, err)
			}
			r.metrics.RecordDelivery(rt.name, "duplicate", time.Since(start))
			return nil
		}
	}
	amount, err := signed.Voucher.AmountBig()
	if err != nil {
		if jerr := r.journal.RecordFailure(rt.name, &signed, entry.Voucher, err); jerr != nil {
			r.logger.Error("journal write failed", "route", rt.name, "voucher", entry.ID, "error", jerr)
		}
		r.metrics.RecordDelivery(rt.name, "failed", time.Since(start))
		return fmt.Errorf("voucher %s: %w", entry.ID, err)
	}
	if !rt.limiter.Allow(amount) {
		r.metrics.RecordFlowWait(rt.name)
		if err := rt.limiter.Wait(ctx, amount); err != nil {
			return fmt.Errorf("flow budget wait: %w", err)
		}
	}
	receipt, err := rt.dest.SubmitVoucher(ctx, entry.Voucher)
	if err != nil {
		if jerr := r.journal.RecordFailure(rt.name, &signed, entry.Voucher, err); jerr != nil {
			r.logger.Error("journal write failed", "route", rt.name, "voucher", entry.ID, "error", jerr)
		}
		r.metrics.RecordDelivery(rt.name, "failed", time.Since(start))
		return fmt.Errorf("submit voucher %s: %w", entry.ID, err)
	}
	if err := r.journal.RecordDelivered(rt.name, &signed, entry.Voucher, receipt.Applied); err != nil {
		// The destination holds the mint; leaving the outbox entry pending
		// is safe because redelivery reports applied=false.
		return fmt.Errorf("journal voucher %s: %w", entry.ID, err)
	}
	if err := rt.source.AckVoucher(ctx, entry.ID); err != nil {
		return fmt.Errorf("ack voucher %s: %w", entry.ID, err)
	}
	outcome := "applied"
	if !receipt.Applied {
		outcome = "duplicate"
	}
	r.metrics.RecordDelivery(rt.name, outcome, time.Since(start))
	r.logger.Info("voucher delivered",
		"route", rt.name,
		"voucher", signed.Voucher.ID,
		"amount", signed.Voucher.Amount,
		"applied", receipt.Applied,
	)
	return nil
}

// PauseRoute stops deliveries on the named route. In-flight vouchers finish.
func (r *Relayer) PauseRoute(name string) error {
	rt, ok := r.routes[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownRoute, name)
	}
	rt.paused.Store(true)
	return nil
}

// ResumeRoute re-enables deliveries on the named route.
func (r *Relayer) ResumeRoute(name string) error {
	rt, ok := r.routes[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownRoute, name)
	}
	rt.paused.Store(false)
	return nil
}

// RouteStatus summarises one route for the admin surface.
type RouteStatus struct {
	Name   string           `json:"name"`
	Source string           `json:"source"`
	Dest   string           `json:"dest"`
	Paused bool             `json:"paused"`
	Counts map[string]int64 `json:"counts,omitempty"`
}

// Status reports every route sorted by name. Journal aggregation errors
// leave the counts empty rather than failing the whole report.
func (r *Relayer) Status() []RouteStatus {
	statuses := make([]RouteStatus, 0, len(r.routes))
	for _, rt := range r.routes {
		status := RouteStatus{
			Name:   rt.name,
			Source: rt.source.URL(),
			Dest:   rt.dest.URL(),
			Paused: rt.paused.Load(),
		}
		if counts, err := r.journal.RouteCounts(rt.name); err == nil {
			status.Counts = counts
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
