package pipeline

import (
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/journal"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Stage is one journaled step of a flow
type Stage string

const (
	StageCCTPBurn         Stage = "CCTP_BURN"
	StageCCTPExtract      Stage = "CCTP_EXTRACT"
	StageCCTPAttest       Stage = "CCTP_ATTEST"
	StageCCTPReceive      Stage = "CCTP_RECEIVE"
	StageSwap             Stage = "SWAP"
	StageDeposit          Stage = "DEPOSIT"
	StageWithdrawInitiate Stage = "WITHDRAW_INITIATE"
	StageWithdrawProve    Stage = "WITHDRAW_PROVE"
	StageWithdraw         Stage = "WITHDRAW"
	StageDone             Stage = "DONE"
)

// keys of the journaled stage outputs
const (
	keyBurnTx      = "burnTx"
	keyMessage     = "message"
	keyMessageHash = "messageHash"
	keyAttestation = "attestation"
	keyReceiveTx   = "receiveTx"
	keySwapTx      = "swapTx"
	keyUnwrapTx    = "unwrapTx"
	keyReceived    = "received"
	keyDepositL1Tx = "depositL1Tx"
	keyDepositL2Tx = "depositL2Tx"
	keyWithdrawTx  = "withdrawTx"
	keyProveTx     = "proveTx"
	keyFinalizeTx  = "finalizeTx"
)

// LogEntry is one user-visible line of a run log
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Run is a snapshot of one pipeline run
type Run struct {
	ID         string            `json:"id"`
	Mode       intent.Mode       `json:"mode"`
	Account    string            `json:"account"`
	Intent     intent.Intent     `json:"intent"`
	Preview    *intent.Preview   `json:"preview,omitempty"`
	Stage      Stage             `json:"stage,omitempty"`
	Status     Status            `json:"status"`
	Completed  []Stage           `json:"completed,omitempty"`
	Logs       []LogEntry        `json:"logs,omitempty"`
	Amounts    map[string]string `json:"amounts,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorType  string            `json:"errorType,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Deadline   *time.Time        `json:"deadline,omitempty"`
}

func (r Run) clone() Run {
	out := r
	out.Completed = append([]Stage(nil), r.Completed...)
	out.Logs = append([]LogEntry(nil), r.Logs...)
	out.Amounts = cloneMap(r.Amounts)
	out.Data = cloneMap(r.Data)
	if r.Preview != nil {
		p := *r.Preview
		p.Route = append([]string(nil), r.Preview.Route...)
		out.Preview = &p
	}
	if r.Intent.Swap != nil {
		s := *r.Intent.Swap
		out.Intent.Swap = &s
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// tracker guards the mutable state of a run
type tracker struct {
	mu  sync.Mutex
	run Run
}

func newTracker(id string, in intent.Intent, preview *intent.Preview, account common.Address) *tracker {
	return &tracker{run: Run{
		ID:        id,
		Mode:      in.Mode,
		Account:   account.Hex(),
		Intent:    in,
		Preview:   preview,
		Status:    StatusPending,
		Amounts:   make(map[string]string),
		Data:      make(map[string]string),
		StartedAt: time.Now().UTC(),
	}}
}

// runFromRecord restores the journaled part of a run
func runFromRecord(rec *journal.Record) Run {
	run := Run{
		ID:        rec.RunID,
		Mode:      intent.Mode(rec.Mode),
		Account:   rec.Account,
		Stage:     Stage(rec.Stage),
		Status:    Status(rec.Status),
		Amounts:   make(map[string]string),
		Data:      cloneMap(rec.Data),
		Error:     rec.Error,
		StartedAt: rec.StartedAt,
	}
	if run.Data == nil {
		run.Data = make(map[string]string)
	}
	for _, s := range rec.Completed {
		run.Completed = append(run.Completed, Stage(s))
	}
	if len(rec.Intent) > 0 {
		_ = json.Unmarshal(rec.Intent, &run.Intent)
	}
	if run.Status == StatusSucceeded || run.Status == StatusFailed {
		finished := rec.UpdatedAt
		run.FinishedAt = &finished
	}
	return run
}

func (t *tracker) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

func (t *tracker) snapshot() Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.clone()
}

func (t *tracker) record() journal.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := make([]string, 0, len(t.run.Completed))
	for _, s := range t.run.Completed {
		completed = append(completed, string(s))
	}
	raw, _ := json.Marshal(t.run.Intent)
	return journal.Record{
		RunID:     t.run.ID,
		Mode:      string(t.run.Mode),
		Account:   t.run.Account,
		Stage:     string(t.run.Stage),
		Status:    string(t.run.Status),
		Completed: completed,
		Data:      cloneMap(t.run.Data),
		Intent:    raw,
		Error:     t.run.Error,
		StartedAt: t.run.StartedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

func (t *tracker) done(stage Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.run.Completed {
		if s == stage {
			return true
		}
	}
	return false
}

func (t *tracker) complete(stage Stage) {
	if t.done(stage) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Completed = append(t.run.Completed, stage)
}

func (t *tracker) setStage(stage Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Stage = stage
}

func (t *tracker) stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Stage
}

func (t *tracker) setStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Status = status
}

func (t *tracker) setDeadline(deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Deadline = &deadline
}

func (t *tracker) set(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Data[key] = value
}

func (t *tracker) get(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Data[key]
}

func (t *tracker) hash(key string) common.Hash {
	return common.HexToHash(t.get(key))
}

// amount returns a journaled integer value, nil when absent
func (t *tracker) amount(key string) *big.Int {
	v, ok := new(big.Int).SetString(t.get(key), 10)
	if !ok {
		return nil
	}
	return v
}

func (t *tracker) setAmount(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Amounts[name] = value
}

func (t *tracker) appendLog(entry LogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Logs = append(t.run.Logs, entry)
}

func (t *tracker) finish(err error, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.run.FinishedAt = &now
	if err != nil {
		t.run.Status = StatusFailed
		t.run.Error = err.Error()
		t.run.ErrorType = label
		return
	}
	t.run.Status = StatusSucceeded
	t.run.Stage = StageDone
	t.run.Error = ""
	t.run.ErrorType = ""
}

// reset prepares a resumed run for another attempt
func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Status = StatusPending
	t.run.Error = ""
	t.run.ErrorType = ""
	t.run.FinishedAt = nil
	t.run.Deadline = nil
}
