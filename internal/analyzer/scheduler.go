package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/loki"
	"github.com/capigate/capigate/internal/models"
	"github.com/capigate/capigate/internal/pkg/metrics"
	"github.com/capigate/capigate/internal/repository"
)

var (
	// ErrNotFound is returned for an unknown analyzer id.
	ErrNotFound = errors.New("analyzer not found")
	// ErrAlreadyRunning rejects a trigger while a run is in flight.
	ErrAlreadyRunning = errors.New("analyzer is already running")
)

// historyLimit bounds the per-analyzer run history.
const historyLimit = 50

// runner is the scheduler's state for one analyzer.
type runner struct {
	cfg  config.AnalyzerConfig
	loki *loki.Client

	mu      sync.Mutex
	state   string
	nextRun time.Time
	history []models.AnalyzerRun
}

// Scheduler owns the analyzers and their timer loops. At most one run per
// analyzer is active; different analyzers run independently.
type Scheduler struct {
	runners []*runner
	byID    map[string]*runner
	lapis   []*LAPIClient
	store   repository.Store
	log     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler wires the configured analyzers against the shared store and
// LAPI servers. queryTimeout bounds each Loki fetch.
func NewScheduler(analyzers []config.AnalyzerConfig, lapiServers []config.LAPIServerConfig, store repository.Store, queryTimeout time.Duration, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		byID:   make(map[string]*runner),
		store:  store,
		log:    log,
		stopCh: make(chan struct{}),
	}
	for _, cfg := range analyzers {
		r := &runner{
			cfg:   cfg,
			loki:  loki.NewClient(cfg.Source, queryTimeout, log),
			state: models.AnalyzerStateIdle,
		}
		s.runners = append(s.runners, r)
		s.byID[cfg.ID] = r
	}
	for _, cfg := range lapiServers {
		s.lapis = append(s.lapis, NewLAPIClient(cfg, queryTimeout))
	}
	return s
}

// Start launches one timer loop per enabled analyzer.
func (s *Scheduler) Start(ctx context.Context) {
	for _, r := range s.runners {
		if !r.cfg.Enabled {
			continue
		}
		interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond
		r.mu.Lock()
		r.nextRun = time.Now().Add(interval)
		r.mu.Unlock()

		s.wg.Add(1)
		go s.loop(ctx, r, interval)
		s.log.Info("analyzer scheduled", "analyzer", r.cfg.ID, "interval", interval)
	}
}

// Stop halts the timer loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, r *runner, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			due := !time.Now().Before(r.nextRun) && r.state != models.AnalyzerStateRunning
			r.mu.Unlock()
			if due {
				s.run(ctx, r)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// List returns the status of every analyzer, configuration order preserved.
func (s *Scheduler) List() []models.AnalyzerStatus {
	statuses := make([]models.AnalyzerStatus, 0, len(s.runners))
	for _, r := range s.runners {
		statuses = append(statuses, r.status())
	}
	return statuses
}

// Get returns one analyzer's status.
func (s *Scheduler) Get(id string) (models.AnalyzerStatus, error) {
	r, ok := s.byID[id]
	if !ok {
		return models.AnalyzerStatus{}, ErrNotFound
	}
	return r.status(), nil
}

// History returns the bounded run history, most recent first.
func (s *Scheduler) History(id string) ([]models.AnalyzerRun, error) {
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AnalyzerRun, len(r.history))
	for i, run := range r.history {
		out[len(r.history)-1-i] = run
	}
	return out, nil
}

// Trigger starts an out-of-band run. Returns ErrAlreadyRunning while a run
// is in flight.
func (s *Scheduler) Trigger(ctx context.Context, id string) (models.AnalyzerRun, error) {
	r, ok := s.byID[id]
	if !ok {
		return models.AnalyzerRun{}, ErrNotFound
	}
	return s.run(ctx, r)
}

func (r *runner) status() models.AnalyzerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := models.AnalyzerStatus{
		ID:         r.cfg.ID,
		Name:       r.cfg.Name,
		Enabled:    r.cfg.Enabled,
		IntervalMs: r.cfg.IntervalMs,
		State:      r.state,
		NextRun:    r.nextRun,
	}
	if len(r.history) > 0 {
		last := r.history[len(r.history)-1]
		status.LastRun = &last
	}
	return status
}

// run executes one analyzer pass: fetch, detect, persist, push.
func (s *Scheduler) run(ctx context.Context, r *runner) (models.AnalyzerRun, error) {
	r.mu.Lock()
	if r.state == models.AnalyzerStateRunning {
		r.mu.Unlock()
		return models.AnalyzerRun{}, ErrAlreadyRunning
	}
	r.state = models.AnalyzerStateRunning
	r.mu.Unlock()

	run := models.AnalyzerRun{
		ID:         uuid.NewString(),
		AnalyzerID: r.cfg.ID,
		StartedAt:  time.Now().UTC(),
	}

	fetched := r.loki.Fetch(ctx, loki.Query{
		Expr:       r.cfg.Query,
		MaxLines:   r.cfg.MaxLines,
		Lookback:   r.cfg.Lookback,
		Extraction: r.cfg.Extraction,
	})
	run.LogsFetched = len(fetched.Entries)

	if fetched.Err != "" {
		run.Status = models.RunStatusError
		run.Error = "log fetch failed: " + fetched.Err
		s.log.Warn("analyzer run failed", "analyzer", r.cfg.ID, "error", fetched.Err)
		return s.finish(r, run), nil
	}

	detections := Detect(r.cfg.Detection, fetched.Entries)
	run.AlertsGenerated = len(detections)

	if len(detections) > 0 {
		if err := s.persistAlerts(ctx, detections); err != nil {
			s.log.Error("failed to persist analyzer alerts", "analyzer", r.cfg.ID, "error", err)
		}
		run.DecisionsPushed = s.pushDecisions(ctx, detections)
	}

	run.Status = models.RunStatusSuccess
	s.log.Info("analyzer run completed",
		"analyzer", r.cfg.ID, "logs", run.LogsFetched,
		"alerts", run.AlertsGenerated, "decisions_pushed", run.DecisionsPushed)
	return s.finish(r, run), nil
}

func (s *Scheduler) finish(r *runner, run models.AnalyzerRun) models.AnalyzerRun {
	run.CompletedAt = time.Now().UTC()
	metrics.AnalyzerRunsTotal.WithLabelValues(r.cfg.ID, run.Status).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	if run.Status == models.RunStatusError {
		r.state = models.AnalyzerStateErrored
	} else {
		r.state = models.AnalyzerStateIdle
	}
	// The next due time counts from the run's start, so a slow run does not
	// drift the schedule and a manual trigger resets it the same way.
	r.nextRun = run.StartedAt.Add(time.Duration(r.cfg.IntervalMs) * time.Millisecond)
	r.history = append(r.history, run)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	return run
}

func (s *Scheduler) persistAlerts(ctx context.Context, detections []Detection) error {
	stored := make([]*models.StoredAlert, 0, len(detections))
	for _, d := range detections {
		a := d.Alert
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		stored = append(stored, &models.StoredAlert{
			ID:              a.UUID,
			MachineID:       a.MachineID,
			Scenario:        a.Scenario,
			ScenarioHash:    a.ScenarioHash,
			ScenarioVersion: a.ScenarioVersion,
			Message:         a.Message,
			EventsCount:     a.EventsCount,
			SourceScope:     a.Source.Scope,
			SourceValue:     a.Source.Value,
			SourceIP:        a.SourceIP(),
			StartAt:         a.StartAt,
			StopAt:          a.StopAt,
			Raw:             string(raw),
			Filtered:        false,
		})
	}
	return s.store.InsertAlerts(ctx, stored)
}

// PushManualDecision pushes one operator-supplied decision to every
// configured LAPI server and returns the number of successful pushes.
func (s *Scheduler) PushManualDecision(ctx context.Context, d models.Decision) int {
	if d.Origin == "" {
		d.Origin = "capigate"
	}
	return s.pushDecisions(ctx, []Detection{{Decision: d}})
}

// pushDecisions sends every detection's decision to every LAPI server in
// parallel and returns the number of successful pushes. A partial failure
// does not fail the run.
func (s *Scheduler) pushDecisions(ctx context.Context, detections []Detection) int {
	if len(s.lapis) == 0 {
		return 0
	}

	var pushed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, client := range s.lapis {
		for _, d := range detections {
			client, decision := client, d.Decision
			g.Go(func() error {
				if err := client.PushDecision(gctx, decision); err != nil {
					s.log.Warn("decision push failed",
						"server", client.URL(), "value", decision.Value, "error", err)
					return nil
				}
				pushed.Add(1)
				metrics.DecisionsPushedTotal.Inc()
				s.recordDecision(ctx, client.URL(), decision)
				return nil
			})
		}
	}
	g.Wait()
	return int(pushed.Load())
}

func (s *Scheduler) recordDecision(ctx context.Context, serverURL string, d models.Decision) {
	stored := &models.StoredDecision{
		ServerURL: serverURL,
		Origin:    d.Origin,
		Scope:     d.Scope,
		Value:     d.Value,
		Type:      d.Type,
		Duration:  d.Duration,
		Scenario:  d.Scenario,
	}
	if dur, err := time.ParseDuration(d.Duration); err == nil && dur > 0 {
		exp := time.Now().Add(dur).UTC()
		stored.ExpiresAt = &exp
	}
	if err := s.store.UpsertDecision(ctx, stored); err != nil {
		s.log.Error("failed to record pushed decision", "server", serverURL, "value", d.Value, "error", err)
	}
}
