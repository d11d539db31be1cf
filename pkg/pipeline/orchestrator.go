// Package pipeline sequences the bridge, CCTP and swap executors into runs,
// journaling each completed stage so an interrupted run can be resumed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/speedrun-hq/giwa-runner/pkg/bridge"
	"github.com/speedrun-hq/giwa-runner/pkg/cctp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/events"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/journal"
	"github.com/speedrun-hq/giwa-runner/pkg/lock"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
	"github.com/speedrun-hq/giwa-runner/pkg/oracle"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

const journalTimeout = 5 * time.Second

// Bridge is the L1↔L2 bridge executor
type Bridge interface {
	Deposit(ctx context.Context, req bridge.DepositRequest, onStage bridge.StageFunc) (*bridge.DepositResult, error)
	ResumeDeposit(ctx context.Context, l1Hash common.Hash, onStage bridge.StageFunc) (*bridge.DepositResult, error)
	Withdraw(ctx context.Context, req bridge.WithdrawRequest, onStage bridge.StageFunc) (*bridge.WithdrawResult, error)
}

// CCTP is the burn/attest/mint executor
type CCTP interface {
	Burn(ctx context.Context, req cctp.BurnRequest) (common.Hash, error)
	ExtractMessage(ctx context.Context, burnTx common.Hash) (*cctp.Message, error)
	WaitAttestation(ctx context.Context, messageHash common.Hash, onTick func(elapsed time.Duration)) (string, error)
	Receive(ctx context.Context, account common.Address, msg *cctp.Message) (common.Hash, error)
}

// Swapper is a swap executor bound to one chain and engine
type Swapper interface {
	Chain() config.ChainKey
	Engine() swap.Engine
	EnsureAllowance(ctx context.Context, account common.Address, amount *big.Int) (bool, error)
	SwapTokenForNative(ctx context.Context, req swap.TokenForNative) (*swap.Result, error)
	SwapNativeForToken(ctx context.Context, req swap.NativeForToken) (*swap.Result, error)
}

// SwapKey selects a Swapper
type SwapKey struct {
	Chain  config.ChainKey
	Engine swap.Engine
}

// ChainReader returns the chain state a balance measurement reads
type ChainReader func(ctx context.Context, key config.ChainKey) (oracle.Chain, error)

// FactoryChains reads chain state through the client factory
func FactoryChains(factory *chainclient.Factory) ChainReader {
	return func(ctx context.Context, key config.ChainKey) (oracle.Chain, error) {
		r, err := factory.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		return r.Backend, nil
	}
}

// Deps are the collaborators of an Orchestrator. Account is the signer, the zero
// address makes every run fail with chainclient.ErrWalletUnavailable.
type Deps struct {
	Account  common.Address
	Bridge   Bridge
	CCTP     CCTP
	Swappers map[SwapKey]Swapper
	Chains   ChainReader
	Symbols  intent.Symbols
	Oracle   *oracle.Oracle
	Journal  journal.Store
	Events   *events.Bus
	Lock     *lock.Lock
	Logger   logger.Logger
}

// Orchestrator runs intents one at a time
type Orchestrator struct {
	account  common.Address
	bridge   Bridge
	cctp     CCTP
	swappers map[SwapKey]Swapper
	chains   ChainReader
	symbols  intent.Symbols
	oracle   *oracle.Oracle
	journal  journal.Store
	events   *events.Bus
	lock     *lock.Lock
	logger   logger.Logger

	mu   sync.RWMutex
	runs map[string]*tracker

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator, missing optional collaborators get in-memory defaults
func New(deps Deps) (*Orchestrator, error) {
	if deps.Bridge == nil {
		return nil, errors.New("bridge executor is required")
	}
	if deps.CCTP == nil {
		return nil, errors.New("cctp executor is required")
	}
	if deps.Chains == nil {
		return nil, errors.New("chain reader is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.EmptyLogger{}
	}
	if deps.Oracle == nil {
		deps.Oracle = oracle.New(0, deps.Logger)
	}
	if deps.Journal == nil {
		deps.Journal = journal.NewMemoryStore()
	}
	if deps.Events == nil {
		deps.Events = events.NewBus(deps.Logger)
	}
	if deps.Lock == nil {
		deps.Lock = lock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		account:  deps.Account,
		bridge:   deps.Bridge,
		cctp:     deps.CCTP,
		swappers: deps.Swappers,
		chains:   deps.Chains,
		symbols:  deps.Symbols,
		oracle:   deps.Oracle,
		journal:  deps.Journal,
		events:   deps.Events,
		lock:     deps.Lock,
		logger:   deps.Logger,
		runs:     make(map[string]*tracker),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Account returns the signer runs execute with
func (o *Orchestrator) Account() common.Address {
	return o.account
}

// Events returns the bus run events are published on
func (o *Orchestrator) Events() *events.Bus {
	return o.events
}

// Lock returns the execution lock
func (o *Orchestrator) Lock() *lock.Lock {
	return o.lock
}

// Preview compiles in for the signer without running it
func (o *Orchestrator) Preview(in intent.Intent) (*intent.Preview, error) {
	return intent.Compile(in, o.account, o.symbols)
}

// Start validates in, takes the execution lock and runs it in the background.
// When another run holds the lock it fails with lock.ErrOperationInProgress.
func (o *Orchestrator) Start(ctx context.Context, in intent.Intent) (*Run, error) {
	t, err := o.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	snap := t.snapshot()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(o.baseCtx, t)
	}()
	return &snap, nil
}

// Execute runs in to completion under ctx. The returned run is set even when the run failed.
func (o *Orchestrator) Execute(ctx context.Context, in intent.Intent) (*Run, error) {
	t, err := o.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	err = o.execute(ctx, t)
	snap := t.snapshot()
	return &snap, err
}

// Resume restarts a failed or abandoned run in the background from its first stage
// without a journaled completion
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Run, error) {
	rec, err := o.journal.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if Status(rec.Status) == StatusSucceeded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, runID)
	}
	if o.account == (common.Address{}) {
		return nil, chainclient.ErrWalletUnavailable
	}
	if common.HexToAddress(rec.Account) != o.account {
		return nil, fmt.Errorf("%w: run %s belongs to %s", chainclient.ErrWalletUnavailable, runID, rec.Account)
	}

	run := runFromRecord(rec)
	if run.Intent, err = decodeIntent(rec.Intent); err != nil {
		return nil, fmt.Errorf("cannot resume run %s: %w", runID, err)
	}
	preview, err := intent.Compile(run.Intent, o.account, o.symbols)
	if err != nil {
		return nil, err
	}
	run.Preview = preview

	if err := o.lock.TryAcquire(runID); err != nil {
		return nil, err
	}

	t := &tracker{run: run}
	if existing, ok := o.tracker(runID); ok {
		// keep the log of the earlier attempt
		prev := existing.snapshot()
		t.run.Logs = prev.Logs
		t.run.Amounts = cloneMap(prev.Amounts)
	}
	t.reset()

	o.mu.Lock()
	o.runs[runID] = t
	o.mu.Unlock()

	o.events.Reopen(runID)
	o.emit(t, logger.NoticeLevel, "", false, "Resuming run %s, completed stages: %v", runID, run.Completed)

	snap := t.snapshot()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(o.baseCtx, t)
	}()
	return &snap, nil
}

// Get returns a snapshot of the run, falling back to the journal for runs of earlier processes
func (o *Orchestrator) Get(ctx context.Context, runID string) (*Run, error) {
	if t, ok := o.tracker(runID); ok {
		snap := t.snapshot()
		return &snap, nil
	}
	rec, err := o.journal.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := runFromRecord(rec)
	return &run, nil
}

// List returns up to limit runs, newest first
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Run, error) {
	records, err := o.journal.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Run, len(records))
	for i := range records {
		byID[records[i].RunID] = runFromRecord(&records[i])
	}
	o.mu.RLock()
	for id, t := range o.runs {
		byID[id] = t.snapshot()
	}
	o.mu.RUnlock()

	runs := make([]Run, 0, len(byID))
	for _, r := range byID {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Shutdown cancels background runs and waits for them to stop journaling
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) tracker(runID string) (*tracker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.runs[runID]
	return t, ok
}

func (o *Orchestrator) prepare(ctx context.Context, in intent.Intent) (*tracker, error) {
	if o.account == (common.Address{}) {
		return nil, chainclient.ErrWalletUnavailable
	}
	preview, err := intent.Compile(in, o.account, o.symbols)
	if err != nil {
		return nil, err
	}

	t := newTracker(uuid.New().String(), in, preview, o.account)
	if err := o.lock.TryAcquire(t.run.ID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.runs[t.run.ID] = t
	o.mu.Unlock()

	o.save(ctx, t)
	o.emit(t, logger.InfoLevel, "", false, "Run %s accepted: %s %s %s", t.run.ID, preview.ModeLabel, preview.Amount, preview.Unit)
	return t, nil
}

// execute runs the flow of t and records its outcome, it releases the lock
func (o *Orchestrator) execute(parent context.Context, t *tracker) (err error) {
	runID := t.id()
	defer o.lock.Release(runID)

	snap := t.snapshot()
	ctx, cancel := context.WithCancel(parent)
	if seconds := snap.Intent.DeadlineSeconds; seconds > 0 {
		deadline := time.Now().Add(time.Duration(seconds) * time.Second)
		t.setDeadline(deadline.UTC())
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadlineCause(ctx, deadline, ErrDeadlineExceeded)
		defer cancelDeadline()
	}
	defer cancel()

	t.setStatus(StatusRunning)
	o.save(ctx, t)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			o.finish(ctx, t, err)
		}
	}()

	err = o.flow(ctx, t)
	if err != nil && errors.Is(context.Cause(ctx), ErrDeadlineExceeded) && !errors.Is(err, ErrDeadlineExceeded) {
		err = fmt.Errorf("%w after %ds in %s: %v", ErrDeadlineExceeded, snap.Intent.DeadlineSeconds, t.stage(), err)
	}
	o.finish(ctx, t, err)
	return err
}

func (o *Orchestrator) flow(ctx context.Context, t *tracker) error {
	in := t.snapshot().Intent
	switch in.Mode {
	case intent.ModeDeposit:
		return o.depositFlow(ctx, t, in)
	case intent.ModeWithdraw:
		return o.withdrawFlow(ctx, t, in)
	case intent.ModePipeline:
		return o.pipelineFlow(ctx, t, in)
	case intent.ModeSwapOnly:
		return o.swapFlow(ctx, t, in)
	}
	return fmt.Errorf("%w: unknown mode %q", intent.ErrInvalidIntent, in.Mode)
}

func (o *Orchestrator) finish(ctx context.Context, t *tracker, err error) {
	snap := t.snapshot()
	label := ClassifyError(err)
	t.finish(err, label)

	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		metrics.Errors.WithLabelValues(string(snap.Mode), label).Inc()
	}
	metrics.RunsTotal.WithLabelValues(string(snap.Mode), string(status)).Inc()

	o.save(ctx, t)
	if err != nil {
		o.emit(t, logger.ErrorLevel, snap.Stage, true, "Run failed in %s (%s): %v", snap.Stage, label, err)
		return
	}
	o.emit(t, logger.InfoLevel, StageDone, true, "Run completed")
}

// step runs fn unless stage was already journaled, and journals it on success
func (o *Orchestrator) step(ctx context.Context, t *tracker, stage Stage, fn func() error) error {
	if t.done(stage) {
		o.emit(t, logger.NoticeLevel, stage, false, "%s already completed, skipping", stage)
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	t.setStage(stage)
	o.save(ctx, t)
	started := time.Now()
	if err := fn(); err != nil {
		return err
	}
	metrics.StageDuration.WithLabelValues(string(t.snapshot().Mode), string(stage)).Observe(time.Since(started).Seconds())
	t.complete(stage)
	o.save(ctx, t)
	return nil
}

// save journals t, failures are logged because the confirmed transactions cannot be undone
func (o *Orchestrator) save(ctx context.Context, t *tracker) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	rec := t.record()
	if err := o.journal.Save(ctx, rec); err != nil {
		o.logger.Error("Failed to journal run %s at %s: %v", rec.RunID, rec.Stage, err)
	}
}

// emit appends a line to the run log, logs it and publishes it as an event
func (o *Orchestrator) emit(t *tracker, level logger.Level, stage Stage, final bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	entry := LogEntry{Time: time.Now().UTC(), Level: level.String(), Stage: stage, Message: msg}
	t.appendLog(entry)

	runID := t.id()
	o.logger.Logf(level, "[run %s] %s", runID, msg)

	o.events.Publish(events.Event{
		RunID:   runID,
		Time:    entry.Time,
		Stage:   string(stage),
		Level:   entry.Level,
		Message: msg,
		Final:   final,
	})
}

// bridgeStage turns bridge transitions into run log lines
func (o *Orchestrator) bridgeStage(t *tracker, stage Stage, hook bridge.StageFunc) bridge.StageFunc {
	return func(state bridge.State, detail string) {
		if detail == "" {
			o.emit(t, logger.InfoLevel, stage, false, "%s: %s", stage, state)
		} else {
			o.emit(t, logger.InfoLevel, stage, false, "%s: %s %s", stage, state, detail)
		}
		if hook != nil {
			hook(state, detail)
		}
	}
}

func (o *Orchestrator) swapper(chain config.ChainKey, engine swap.Engine) (Swapper, error) {
	s, ok := o.swappers[SwapKey{Chain: chain, Engine: engine}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoSwapEngine, engine, chain)
	}
	return s, nil
}

// decodeIntent reads an intent journaled with a run
func decodeIntent(raw json.RawMessage) (intent.Intent, error) {
	var in intent.Intent
	if len(raw) == 0 {
		return in, errors.New("run has no journaled intent")
	}
	err := json.Unmarshal(raw, &in)
	return in, err
}
