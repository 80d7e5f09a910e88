package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// PriceSource is the scheduler's view of the price feed.
type PriceSource interface {
	// Ticks streams fresh quotes for all watched symbols.
	Ticks() <-chan domain.Quote
	// Latest returns the most recent quote for a symbol, possibly served
	// from cache.
	Latest(ctx context.Context, symbol string) (domain.Quote, error)
	Watch(symbol string)
	Unwatch(symbol string)
}

// Bus channels and streams the scheduler publishes engine events on.
const (
	AlertChannel       = "perpbot.alerts"
	LiquidationChannel = "perpbot.liquidations"
	EventStream        = "perpbot.events"
)

// ProfileState is the per-profile lifecycle position in the evaluation cycle.
// A profile rests in IDLE while it holds no open positions and MONITORING
// while it does, and passes through EVALUATING and APPLYING during a decision
// cycle.
type ProfileState string

const (
	StateIdle       ProfileState = "IDLE"
	StateMonitoring ProfileState = "MONITORING"
	StateEvaluating ProfileState = "EVALUATING"
	StateApplying   ProfileState = "APPLYING"
)

// SchedulerConfig holds the scheduler's timing parameters.
type SchedulerConfig struct {
	// DecisionTimeout bounds each decision service call.
	DecisionTimeout time.Duration
	// RetryBackoff is how long a profile waits before its next wake after a
	// failed or timed-out decision call.
	RetryBackoff time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
}

// ProfileStatus is a point-in-time view of one registered profile.
type ProfileStatus struct {
	ProfileID     string       `json:"profile_id"`
	Symbol        string       `json:"symbol"`
	State         ProfileState `json:"state"`
	NextWakeAt    time.Time    `json:"next_wake_at"`
	OpenPositions int          `json:"open_positions"`
}

// Status is a point-in-time view of the whole scheduler.
type Status struct {
	Profiles      []ProfileStatus `json:"profiles"`
	QueueDepth    int             `json:"queue_depth"`
	OpenPositions int             `json:"open_positions"`
}

// Scheduler is the engine's single writer. One goroutine (Run) owns the wake
// queue, the trigger engine, the ledger, and the monitor; every mutation
// flows through its select loop, so none of those components need locks.
// Decision service calls are the only slow operations and they run in
// per-call goroutines that report back through the results channel, keeping
// the loop responsive while a decision is in flight.
type Scheduler struct {
	cfg    SchedulerConfig
	clock  Clock
	logger *slog.Logger

	queue    *WakeQueue
	triggers *TriggerEngine
	ledger   *Ledger
	monitor  *Monitor
	decider  domain.DecisionService
	feed     PriceSource
	audit    domain.AuditStore // nil disables the activity log
	bus      domain.SignalBus  // nil disables event publishing

	profiles map[string]domain.Profile
	states   map[string]ProfileState
	nextWake map[string]time.Time
	inFlight map[string]bool

	control chan controlMsg
	results chan decisionResult
}

type controlOp int

const (
	opRegister controlOp = iota
	opDeregister
	opOpen
	opClose
	opStatus
)

type controlMsg struct {
	op      controlOp
	profile domain.Profile
	id      string // profile or position ID, per op

	openProfileID string
	openParams    domain.OpenParams
	closeReason   domain.CloseReason

	reply chan controlReply
}

type controlReply struct {
	err      error
	position domain.Position
	realized float64
	status   Status
}

type decisionResult struct {
	profileID string
	quote     domain.Quote
	action    domain.Action
	err       error
}

// NewScheduler wires the engine together. audit and bus may be nil.
func NewScheduler(
	cfg SchedulerConfig,
	clock Clock,
	queue *WakeQueue,
	triggers *TriggerEngine,
	ledger *Ledger,
	monitor *Monitor,
	decider domain.DecisionService,
	feed PriceSource,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(slog.String("component", "scheduler")),
		queue:    queue,
		triggers: triggers,
		ledger:   ledger,
		monitor:  monitor,
		decider:  decider,
		feed:     feed,
		audit:    audit,
		bus:      bus,
		profiles: make(map[string]domain.Profile),
		states:   make(map[string]ProfileState),
		nextWake: make(map[string]time.Time),
		inFlight: make(map[string]bool),
		control:  make(chan controlMsg),
		results:  make(chan decisionResult, 16),
	}
}

// Run is the scheduler loop. It blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	defer s.logger.Info("scheduler stopped")

	for {
		timer, timerC := s.armTimer()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case now := <-timerC:
			s.handleWake(ctx, now)

		case q, ok := <-s.feed.Ticks():
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return errors.New("scheduler: price feed closed")
			}
			s.handleTick(ctx, q)

		case msg := <-s.control:
			if timer != nil {
				timer.Stop()
			}
			s.handleControl(ctx, msg)

		case res := <-s.results:
			if timer != nil {
				timer.Stop()
			}
			s.handleResult(ctx, res)
		}
	}
}

// armTimer sets a timer for the queue head. With an empty queue the timer
// channel is nil and the select simply never fires on it.
func (s *Scheduler) armTimer() (Timer, <-chan time.Time) {
	head, ok := s.queue.Peek()
	if !ok {
		return nil, nil
	}
	d := head.WakeAt.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	t := s.clock.NewTimer(d)
	return t, t.C()
}

// handleWake pops every due entry and runs its profile's evaluation cycle.
// Entries are processed strictly in wake-time order, so no profile can starve
// another regardless of how many are registered.
func (s *Scheduler) handleWake(ctx context.Context, now time.Time) {
	for {
		head, ok := s.queue.Peek()
		if !ok || head.WakeAt.After(now) {
			return
		}
		entry, err := s.queue.PopMin()
		if err != nil {
			return
		}
		s.evaluateProfile(ctx, entry.ProfileID, now)
	}
}

func (s *Scheduler) evaluateProfile(ctx context.Context, profileID string, now time.Time) {
	p, ok := s.profiles[profileID]
	if !ok {
		// Deregistered after the entry was queued.
		return
	}
	if s.inFlight[profileID] {
		// A decision is still pending; check back shortly rather than
		// stacking a second call for the same profile.
		s.reschedule(profileID, now.Add(s.cfg.RetryBackoff))
		return
	}

	q, err := s.feed.Latest(ctx, p.Symbol)
	if err != nil {
		s.logger.Warn("no quote for evaluation",
			slog.String("profile_id", profileID),
			slog.String("symbol", p.Symbol),
			slog.String("error", err.Error()),
		)
		s.auditLog(ctx, "evaluation_skipped", map[string]any{
			"profile_id": profileID,
			"symbol":     p.Symbol,
			"reason":     "quote_unavailable",
		})
		s.reschedule(profileID, now.Add(s.cfg.RetryBackoff))
		return
	}

	fired := s.triggers.ShouldFireAny(p, q)
	if len(fired) == 0 {
		s.states[profileID] = s.restingState(profileID)
		s.reschedule(profileID, s.triggers.NextFireTime(p, now))
		return
	}

	s.logger.Info("triggers fired",
		slog.String("profile_id", profileID),
		slog.Any("trigger_ids", fired),
		slog.Float64("price", q.Price),
	)
	s.states[profileID] = StateEvaluating
	s.inFlight[profileID] = true
	s.dispatchDecision(ctx, p, q, fired)
	s.reschedule(profileID, s.triggers.NextFireTime(p, now))
}

// dispatchDecision calls the decision service in its own goroutine so the
// loop never blocks on the network. The result comes back through the
// results channel and is applied by the loop, preserving single-writer
// semantics.
func (s *Scheduler) dispatchDecision(ctx context.Context, p domain.Profile, q domain.Quote, fired []string) {
	req := domain.DecisionRequest{
		Profile:       p,
		OpenPositions: s.ledger.ListOpen(p.ID),
		Quote:         q,
		FiredTriggers: fired,
		RequestedAt:   s.clock.Now(),
	}
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DecisionTimeout)
		defer cancel()
		action, err := s.decider.Decide(callCtx, req)
		select {
		case s.results <- decisionResult{profileID: p.ID, quote: q, action: action, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) handleResult(ctx context.Context, res decisionResult) {
	delete(s.inFlight, res.profileID)

	p, ok := s.profiles[res.profileID]
	if !ok {
		// Profile deregistered while the call was in flight; the result is
		// discarded.
		s.logger.Info("discarding decision for deregistered profile",
			slog.String("profile_id", res.profileID))
		return
	}

	if res.err != nil {
		metricDecisions.WithLabelValues("error").Inc()
		s.logger.Error("decision call failed",
			slog.String("profile_id", res.profileID),
			slog.String("error", res.err.Error()),
		)
		s.auditLog(ctx, "decision_failed", map[string]any{
			"profile_id": res.profileID,
			"error":      res.err.Error(),
		})
		s.states[res.profileID] = s.restingState(res.profileID)
		return
	}

	metricDecisions.WithLabelValues(string(res.action.Type)).Inc()
	s.states[res.profileID] = StateApplying
	s.applyAction(ctx, p, res.quote, res.action)
	s.states[res.profileID] = s.restingState(res.profileID)
	metricOpenPositions.Set(float64(s.ledger.OpenCount()))
}

func (s *Scheduler) applyAction(ctx context.Context, p domain.Profile, q domain.Quote, a domain.Action) {
	switch a.Type {
	case domain.ActionHold:
		s.logger.Debug("decision: hold", slog.String("profile_id", p.ID))

	case domain.ActionOpen:
		if a.Open == nil {
			s.logger.Error("open action without parameters", slog.String("profile_id", p.ID))
			return
		}
		params := *a.Open
		if params.Symbol == "" {
			params.Symbol = p.Symbol
		}
		margin := params.Margin
		if margin <= 0 && params.Leverage > 0 {
			margin = q.Price * params.Quantity / params.Leverage
		}
		pos, err := s.ledger.Open(ctx, p.ID, params.Symbol, params.Side, q.Price, params.Quantity, params.Leverage, margin)
		if err != nil {
			s.logger.Error("open rejected",
				slog.String("profile_id", p.ID),
				slog.String("error", err.Error()),
			)
			s.auditLog(ctx, "open_rejected", map[string]any{
				"profile_id": p.ID,
				"error":      err.Error(),
			})
			return
		}
		s.feed.Watch(pos.Symbol)
		s.auditLog(ctx, "position_opened", map[string]any{
			"position_id": pos.ID,
			"profile_id":  p.ID,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"entry_price": pos.EntryPrice,
			"quantity":    pos.Quantity,
			"leverage":    pos.Leverage,
			"reason":      a.Reason,
		})

	case domain.ActionClose:
		targets := s.closeTargets(p.ID, a.PositionID)
		for _, id := range targets {
			s.closePosition(ctx, id, q.Price, domain.CloseReasonDecision, a.Reason)
		}

	default:
		s.logger.Error("unknown action type",
			slog.String("profile_id", p.ID),
			slog.String("type", string(a.Type)),
		)
	}
}

// closeTargets resolves a CLOSE action's scope: a specific position owned by
// the profile, or all of the profile's open positions when the ID is empty.
// An ID naming another profile's position is rejected; a decision may only
// close what its own profile opened.
func (s *Scheduler) closeTargets(profileID, positionID string) []string {
	if positionID != "" {
		pos, err := s.ledger.Get(positionID)
		if err != nil {
			s.logger.Error("close target not found",
				slog.String("profile_id", profileID),
				slog.String("position_id", positionID),
			)
			return nil
		}
		if pos.ProfileID != profileID {
			s.logger.Error("close target belongs to another profile",
				slog.String("profile_id", profileID),
				slog.String("position_id", positionID),
				slog.String("owner_profile_id", pos.ProfileID),
			)
			return nil
		}
		return []string{positionID}
	}
	open := s.ledger.ListOpen(profileID)
	ids := make([]string, len(open))
	for i, pos := range open {
		ids[i] = pos.ID
	}
	return ids
}

func (s *Scheduler) closePosition(ctx context.Context, id string, exitPrice float64, reason domain.CloseReason, detail string) {
	pos, err := s.ledger.Get(id)
	if err != nil {
		s.logger.Error("close target not found", slog.String("position_id", id))
		return
	}
	realized, err := s.ledger.Close(ctx, id, exitPrice, reason)
	if err != nil {
		s.logger.Error("close rejected",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	s.monitor.Forget(id)
	s.unwatchIfUnused(pos.Symbol)
	s.refreshState(pos.ProfileID)
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"profile_id":   pos.ProfileID,
		"symbol":       pos.Symbol,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
		"reason":       string(reason),
		"detail":       detail,
	})
}

// handleTick re-values positions on every fresh quote, independent of the
// wake queue. Liquidation detection must not wait for the next scheduled
// wake.
func (s *Scheduler) handleTick(ctx context.Context, q domain.Quote) {
	metricTicksProcessed.WithLabelValues(q.Symbol).Inc()
	updates := s.ledger.ApplyTick(ctx, q)
	for _, u := range updates {
		if u.Liquidated {
			metricLiquidations.Inc()
			s.monitor.Evaluate(u, q)
			s.unwatchIfUnused(u.Position.Symbol)
			s.refreshState(u.Position.ProfileID)
			s.publishEvent(ctx, LiquidationChannel, u.Position)
			s.auditLog(ctx, "position_liquidated", map[string]any{
				"position_id":       u.Position.ID,
				"profile_id":        u.Position.ProfileID,
				"symbol":            u.Position.Symbol,
				"mark_price":        q.Price,
				"liquidation_price": u.Position.LiquidationPrice,
			})
			continue
		}
		alert, err := s.monitor.Evaluate(u, q)
		if err != nil {
			if errors.Is(err, domain.ErrStaleQuote) {
				metricStaleQuotes.Inc()
				s.logger.Debug("stale quote, evaluation suppressed",
					slog.String("symbol", q.Symbol))
				continue
			}
			s.logger.Error("monitor evaluation failed", slog.String("error", err.Error()))
			continue
		}
		if alert != nil {
			metricAlerts.WithLabelValues(string(alert.Severity)).Inc()
			s.publishEvent(ctx, AlertChannel, alert)
			s.auditLog(ctx, "alert_raised", map[string]any{
				"alert_id":     alert.ID,
				"position_id":  alert.PositionID,
				"severity":     string(alert.Severity),
				"margin_ratio": alert.MarginRatio,
			})
		}
	}
	metricOpenPositions.Set(float64(s.ledger.OpenCount()))
}

func (s *Scheduler) handleControl(ctx context.Context, msg controlMsg) {
	var reply controlReply
	switch msg.op {
	case opRegister:
		reply.err = s.register(ctx, msg.profile)
	case opDeregister:
		reply.err = s.deregister(ctx, msg.id)
	case opOpen:
		reply.position, reply.err = s.manualOpen(ctx, msg.openProfileID, msg.openParams)
	case opClose:
		reply.realized, reply.err = s.manualClose(ctx, msg.id, msg.closeReason)
	case opStatus:
		reply.status = s.snapshotStatus()
	}
	msg.reply <- reply
}

func (s *Scheduler) register(ctx context.Context, p domain.Profile) error {
	if p.ID == "" || p.Symbol == "" {
		return fmt.Errorf("scheduler: profile ID and symbol required: %w", domain.ErrInvalidParameters)
	}
	if _, ok := s.profiles[p.ID]; ok {
		return fmt.Errorf("scheduler: profile %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.profiles[p.ID] = p
	s.states[p.ID] = s.restingState(p.ID)
	s.triggers.Register(p)
	s.feed.Watch(p.Symbol)
	s.reschedule(p.ID, s.clock.Now())
	s.logger.Info("profile registered",
		slog.String("profile_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.Int("triggers", len(p.Triggers)),
	)
	s.auditLog(ctx, "profile_registered", map[string]any{
		"profile_id": p.ID,
		"symbol":     p.Symbol,
	})
	return nil
}

func (s *Scheduler) deregister(ctx context.Context, profileID string) error {
	p, ok := s.profiles[profileID]
	if !ok {
		return fmt.Errorf("scheduler: profile %s: %w", profileID, domain.ErrNotFound)
	}
	delete(s.profiles, profileID)
	delete(s.states, profileID)
	delete(s.nextWake, profileID)
	s.queue.Remove(profileID)
	s.triggers.Deregister(p)
	s.unwatchIfUnused(p.Symbol)
	s.logger.Info("profile deregistered", slog.String("profile_id", profileID))
	s.auditLog(ctx, "profile_deregistered", map[string]any{"profile_id": profileID})
	return nil
}

func (s *Scheduler) manualOpen(ctx context.Context, profileID string, params domain.OpenParams) (domain.Position, error) {
	q, err := s.feed.Latest(ctx, params.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("scheduler: quote for %s: %w", params.Symbol, err)
	}
	margin := params.Margin
	if margin <= 0 && params.Leverage > 0 {
		margin = q.Price * params.Quantity / params.Leverage
	}
	pos, err := s.ledger.Open(ctx, profileID, params.Symbol, params.Side, q.Price, params.Quantity, params.Leverage, margin)
	if err != nil {
		return domain.Position{}, err
	}
	s.feed.Watch(pos.Symbol)
	s.refreshState(profileID)
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"profile_id":  profileID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"manual":      true,
	})
	return pos, nil
}

func (s *Scheduler) manualClose(ctx context.Context, positionID string, reason domain.CloseReason) (float64, error) {
	pos, err := s.ledger.Get(positionID)
	if err != nil {
		return 0, err
	}
	q, err := s.feed.Latest(ctx, pos.Symbol)
	if err != nil {
		return 0, fmt.Errorf("scheduler: quote for %s: %w", pos.Symbol, err)
	}
	realized, err := s.ledger.Close(ctx, positionID, q.Price, reason)
	if err != nil {
		return 0, err
	}
	s.monitor.Forget(positionID)
	s.unwatchIfUnused(pos.Symbol)
	s.refreshState(pos.ProfileID)
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  positionID,
		"exit_price":   q.Price,
		"realized_pnl": realized,
		"reason":       string(reason),
		"manual":       true,
	})
	return realized, nil
}

func (s *Scheduler) snapshotStatus() Status {
	st := Status{
		QueueDepth:    s.queue.Len(),
		OpenPositions: s.ledger.OpenCount(),
	}
	for id, p := range s.profiles {
		st.Profiles = append(st.Profiles, ProfileStatus{
			ProfileID:     id,
			Symbol:        p.Symbol,
			State:         s.states[id],
			NextWakeAt:    s.nextWake[id],
			OpenPositions: len(s.ledger.ListOpen(id)),
		})
	}
	return st
}

// restingState is the state a profile settles into between evaluation
// cycles: MONITORING while it has open positions, IDLE otherwise.
func (s *Scheduler) restingState(profileID string) ProfileState {
	if len(s.ledger.ListOpen(profileID)) > 0 {
		return StateMonitoring
	}
	return StateIdle
}

// refreshState re-derives the resting state after a position left the OPEN
// set outside a decision cycle. Only resting profiles are touched; an
// in-flight decision keeps its EVALUATING state.
func (s *Scheduler) refreshState(profileID string) {
	if _, ok := s.profiles[profileID]; !ok {
		return
	}
	if st := s.states[profileID]; st == StateEvaluating || st == StateApplying {
		return
	}
	s.states[profileID] = s.restingState(profileID)
}

func (s *Scheduler) reschedule(profileID string, at time.Time) {
	s.queue.Reschedule(profileID, at)
	s.nextWake[profileID] = at
	metricQueueDepth.Set(float64(s.queue.Len()))
}

// unwatchIfUnused stops the feed for a symbol no registered profile or open
// position needs anymore.
func (s *Scheduler) unwatchIfUnused(symbol string) {
	for _, p := range s.profiles {
		if p.Symbol == symbol {
			return
		}
	}
	for _, sym := range s.ledger.OpenSymbols() {
		if sym == symbol {
			return
		}
	}
	s.feed.Unwatch(symbol)
}

func (s *Scheduler) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.Error("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) publishEvent(ctx context.Context, channel string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("event marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.Error("event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		s.logger.Error("event stream append failed", slog.String("error", err.Error()))
	}
}

// RegisterProfile adds a profile to the scheduler. Safe to call from any
// goroutine while Run is active.
func (s *Scheduler) RegisterProfile(ctx context.Context, p domain.Profile) error {
	r, err := s.send(ctx, controlMsg{op: opRegister, profile: p})
	if err != nil {
		return err
	}
	return r.err
}

// DeregisterProfile removes a profile. In-flight decisions for it are
// discarded when they complete.
func (s *Scheduler) DeregisterProfile(ctx context.Context, profileID string) error {
	r, err := s.send(ctx, controlMsg{op: opDeregister, id: profileID})
	if err != nil {
		return err
	}
	return r.err
}

// OpenPosition opens a position at the current mark price, outside of any
// decision cycle.
func (s *Scheduler) OpenPosition(ctx context.Context, profileID string, params domain.OpenParams) (domain.Position, error) {
	r, err := s.send(ctx, controlMsg{op: opOpen, openProfileID: profileID, openParams: params})
	if err != nil {
		return domain.Position{}, err
	}
	return r.position, r.err
}

// ClosePosition closes a position at the current mark price and returns the
// realized PnL.
func (s *Scheduler) ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) (float64, error) {
	r, err := s.send(ctx, controlMsg{op: opClose, id: positionID, closeReason: reason})
	if err != nil {
		return 0, err
	}
	return r.realized, r.err
}

// CurrentStatus reports the scheduler's profiles, queue depth, and open
// position count.
func (s *Scheduler) CurrentStatus(ctx context.Context) (Status, error) {
	r, err := s.send(ctx, controlMsg{op: opStatus})
	if err != nil {
		return Status{}, err
	}
	return r.status, nil
}

func (s *Scheduler) send(ctx context.Context, msg controlMsg) (controlReply, error) {
	msg.reply = make(chan controlReply, 1)
	select {
	case s.control <- msg:
	case <-ctx.Done():
		return controlReply{}, fmt.Errorf("scheduler: %w: %w", domain.ErrContextDone, ctx.Err())
	}
	select {
	case r := <-msg.reply:
		return r, nil
	case <-ctx.Done():
		return controlReply{}, fmt.Errorf("scheduler: %w: %w", domain.ErrContextDone, ctx.Err())
	}
}
