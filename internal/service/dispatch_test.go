package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_ReplayReturnsStoredResult(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Succeed("p-1"))

	first := f.charge(t, "k1", 1000)
	assert.Equal(t, OutcomeSucceeded, first.Status)
	assert.Equal(t, "p-1", first.ProviderReference)
	assert.False(t, first.Replayed)

	second := f.charge(t, "k1", 1000)
	assert.Equal(t, OutcomeSucceeded, second.Status)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, "p-1", second.ProviderReference)
	assert.True(t, second.Replayed)

	assert.Equal(t, 1, f.sandbox.CallCount(first.TransactionID), "重放不会再次调用渠道")

	msgs := f.events(t, first.TransactionID)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTransactionSucceeded, msgs[0].EventType)
}

func TestProcess_TimeoutParksUnknownUntilSweep(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.TimeoutAfterSuccess("p-2"))
	ctx := context.Background()

	out := f.charge(t, "k2", 500)
	assert.Equal(t, OutcomeProcessing, out.Status)

	txn := f.reload(t, out.TransactionID)
	assert.Equal(t, model.TxStateUnknown, txn.State)
	assert.Equal(t, provider.CodeTimeout, txn.FailureCode)
	assert.Empty(t, txn.ProviderReference)

	// 请求链路不会处理 UNKNOWN
	replay := f.charge(t, "k2", 500)
	assert.Equal(t, OutcomeProcessing, replay.Status)
	assert.Equal(t, 1, f.sandbox.CallCount(out.TransactionID))

	f.advance(time.Minute)
	report, err := f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Resolved)

	txn = f.reload(t, out.TransactionID)
	assert.Equal(t, model.TxStateSucceeded, txn.State)
	assert.Equal(t, "p-2", txn.ProviderReference)

	report, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "已对账的记录不会被再次扫描")

	final := f.charge(t, "k2", 500)
	assert.Equal(t, OutcomeSucceeded, final.Status)
	assert.Equal(t, "p-2", final.ProviderReference)
	assert.Equal(t, 1, f.sandbox.CallCount(out.TransactionID))
	assert.Len(t, f.events(t, out.TransactionID), 1)
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Transient(), provider.Transient(), provider.Succeed("p-3"))

	out := f.charge(t, "k3", 700)
	assert.Equal(t, OutcomeSucceeded, out.Status)
	assert.Equal(t, "p-3", out.ProviderReference)

	txn := f.reload(t, out.TransactionID)
	assert.Equal(t, 3, txn.AttemptCount)
	assert.Empty(t, txn.FailureCode)
	assert.NotNil(t, txn.LastAttemptAt)
	assert.Equal(t, 3, f.sandbox.CallCount(out.TransactionID))

	require.Len(t, f.sleeps, 2)
	assert.GreaterOrEqual(t, f.sleeps[1], f.sleeps[0])
	for _, c := range f.sandbox.Calls() {
		assert.Equal(t, out.TransactionID, c.Token, "每次重试都带同一个幂等 token")
	}
}

func TestProcess_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Transient(), provider.Transient(), provider.Transient(), provider.Succeed("never"))

	out := f.charge(t, "k-exhaust", 100)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, provider.CodeTransient, out.FailureCode)

	txn := f.reload(t, out.TransactionID)
	assert.Equal(t, testDispatchConfig.MaxAttempts, txn.AttemptCount)

	msgs := f.events(t, out.TransactionID)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTransactionFailed, msgs[0].EventType)
}

func TestProcess_DeclineIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Decline("card_declined"))

	out := f.charge(t, "k-decline", 100)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, "card_declined", out.FailureCode)
	assert.Empty(t, f.sleeps)

	replay := f.charge(t, "k-decline", 100)
	assert.Equal(t, OutcomeFailed, replay.Status)
	assert.True(t, replay.Replayed)
	assert.Equal(t, 1, f.sandbox.CallCount(out.TransactionID))
}

func TestProcess_AmbiguousResultIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Unknown(), provider.Succeed("never"))

	out := f.charge(t, "k-ambiguous", 100)
	assert.Equal(t, OutcomeProcessing, out.Status)
	assert.Equal(t, model.TxStateUnknown, f.reload(t, out.TransactionID).State)
	assert.Equal(t, 1, f.sandbox.CallCount(out.TransactionID))
	assert.Empty(t, f.sleeps)
}

func TestProcess_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.charge(t, "k-conflict", 100)

	_, err := f.engine.Process(ctx, &ChargeRequest{
		IdempotencyKey: "k-conflict",
		Amount:         200,
		Currency:       "USD",
		Provider:       "sandbox",
	})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
	assert.Len(t, f.sandbox.Calls(), 1)
}

func TestProcess_PayloadKeyOrderDoesNotMatter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Process(ctx, &ChargeRequest{
		IdempotencyKey: "k-payload",
		Amount:         100,
		Currency:       "usd",
		Provider:       "sandbox",
		Payload:        json.RawMessage(`{"order":"A1","customer":"c-9"}`),
	})
	require.NoError(t, err)

	second, err := f.engine.Process(ctx, &ChargeRequest{
		IdempotencyKey: "k-payload",
		Amount:         100,
		Currency:       "USD",
		Provider:       "sandbox",
		Payload:        json.RawMessage(`{ "customer": "c-9", "order": "A1" }`),
	})
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Replayed)
}

func TestProcess_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *ChargeRequest
		wantErr error
	}{
		{"zero amount", &ChargeRequest{Amount: 0, Currency: "USD", Provider: "sandbox"}, ErrInvalidRequest},
		{"bad currency", &ChargeRequest{Amount: 1, Currency: "US", Provider: "sandbox"}, ErrInvalidRequest},
		{"unknown provider", &ChargeRequest{Amount: 1, Currency: "USD", Provider: "paypal"}, ErrInvalidRequest},
		{"provider not enabled", &ChargeRequest{Amount: 1, Currency: "USD", Provider: "stripe"}, ErrProviderNotConfigured},
		{"payload not an object", &ChargeRequest{Amount: 1, Currency: "USD", Provider: "sandbox", Payload: json.RawMessage(`[1]`)}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Process(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.sandbox.Calls())
}

func TestProcess_ConcurrentDuplicatesCallProviderOnce(t *testing.T) {
	f := newFixture(t)
	f.sandbox.Enqueue(provider.Step{Status: provider.StatusSucceeded, Reference: "p-c", Delay: 20 * time.Millisecond})

	const n = 10
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.engine.Process(context.Background(), &ChargeRequest{
				IdempotencyKey: "k-concurrent",
				Amount:         100,
				Currency:       "USD",
				Provider:       "sandbox",
			})
		}(i)
	}
	wg.Wait()

	var id string
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if id == "" {
			id = outcomes[i].TransactionID
		}
		assert.Equal(t, id, outcomes[i].TransactionID)
		assert.Contains(t, []OutcomeStatus{OutcomeSucceeded, OutcomeProcessing}, outcomes[i].Status)
	}
	assert.Len(t, f.sandbox.Calls(), 1)
	assert.Equal(t, "p-c", f.reload(t, id).ProviderReference)
}

func TestProcess_StaleLeaseTakeover(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "k-stale", model.TxStateInFlight)

	// 未超过阈值：视为处理中
	out := f.charge(t, "k-stale", 1000)
	assert.Equal(t, OutcomeProcessing, out.Status)
	assert.Empty(t, f.sandbox.Calls())

	f.backdate(t, seeded.ID, time.Hour)
	f.sandbox.Enqueue(provider.Succeed("p-t"))

	out = f.charge(t, "k-stale", 1000)
	assert.Equal(t, OutcomeSucceeded, out.Status)
	assert.Equal(t, seeded.ID, out.TransactionID)

	txn := f.reload(t, seeded.ID)
	assert.Equal(t, 2, txn.AttemptCount)
	assert.Equal(t, "p-t", txn.ProviderReference)
	assert.Equal(t, 1, f.sandbox.CallCount(seeded.ID))
}

func TestProcess_StaleUnknownIsNotTakenOver(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, "k-unknown", model.TxStateUnknown)
	f.backdate(t, seeded.ID, time.Hour)

	out := f.charge(t, "k-unknown", 1000)
	assert.Equal(t, OutcomeProcessing, out.Status)
	assert.Empty(t, f.sandbox.Calls())
	assert.Equal(t, model.TxStateUnknown, f.reload(t, seeded.ID).State)
}

// racingAdapter 在返回结果前模拟另一个接管者已经写入了不同流水号的成功结果
type racingAdapter struct {
	*provider.Sandbox
	ledger   repository.Ledger
	otherRef string
}

func (a *racingAdapter) Charge(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	current, err := a.ledger.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	next.State = model.TxStateSucceeded
	next.ProviderReference = a.otherRef
	if err := a.ledger.CompareAndSet(ctx, model.ActorDispatch, current, next); err != nil {
		return nil, err
	}
	return &provider.Result{Status: provider.StatusSucceeded, Reference: "p-mine"}, nil
}

func TestProcess_DuplicateChargeIsFlagged(t *testing.T) {
	racing := &racingAdapter{Sandbox: provider.NewSandbox(), otherRef: "p-other"}
	f := newFixture(t, racing)
	racing.ledger = f.ledger

	out := f.charge(t, "k-dup", 100)
	assert.Equal(t, OutcomeSucceeded, out.Status)
	assert.Equal(t, "p-other", out.ProviderReference, "先写入的流水号保持不变")

	anomalies, err := f.query.AnomaliesOf(context.Background(), out.TransactionID)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyDuplicateCharge, anomalies[0].Kind)
	assert.Equal(t, "p-mine", anomalies[0].ProviderReference)
	assert.Equal(t, "p-other", anomalies[0].ExistingReference)
}

func TestRefundAndVoid(t *testing.T) {
	ctx := context.Background()

	t.Run("partial then remaining", func(t *testing.T) {
		f := newFixture(t)
		parent := f.charge(t, "k-parent", 1000)
		require.Equal(t, OutcomeSucceeded, parent.Status)

		r1, err := f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r1", Amount: 400})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSucceeded, r1.Status)

		_, err = f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r2", Amount: 700})
		assert.ErrorIs(t, err, ErrRefundNotAllowed)

		r3, err := f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r3"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSucceeded, r3.Status)
		assert.Equal(t, int64(600), f.reload(t, r3.TransactionID).Amount)

		// 额度用完后重放仍然返回原结果
		replay, err := f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r3"})
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, r3.TransactionID, replay.TransactionID)

		children, err := f.query.Children(ctx, parent.TransactionID)
		require.NoError(t, err)
		assert.Len(t, children, 2)

		for _, c := range f.sandbox.Calls() {
			if c.Op == provider.OpRefund {
				assert.NotEqual(t, parent.TransactionID, c.TransactionID)
			}
		}
	})

	t.Run("void blocks refunds", func(t *testing.T) {
		f := newFixture(t)
		parent := f.charge(t, "k-parent", 1000)

		v, err := f.engine.Void(ctx, &VoidRequest{ParentID: parent.TransactionID, IdempotencyKey: "v1"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSucceeded, v.Status)
		assert.Equal(t, int64(1000), f.reload(t, v.TransactionID).Amount)

		_, err = f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r1", Amount: 10})
		assert.ErrorIs(t, err, ErrRefundNotAllowed)

		replay, err := f.engine.Void(ctx, &VoidRequest{ParentID: parent.TransactionID, IdempotencyKey: "v1"})
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
	})

	t.Run("refund blocks void", func(t *testing.T) {
		f := newFixture(t)
		parent := f.charge(t, "k-parent", 1000)

		_, err := f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r1", Amount: 1})
		require.NoError(t, err)

		_, err = f.engine.Void(ctx, &VoidRequest{ParentID: parent.TransactionID, IdempotencyKey: "v1"})
		assert.ErrorIs(t, err, ErrRefundNotAllowed)
	})

	t.Run("failed charge cannot be refunded", func(t *testing.T) {
		f := newFixture(t)
		f.sandbox.Enqueue(provider.Decline("card_declined"))
		parent := f.charge(t, "k-parent", 1000)

		_, err := f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r1", Amount: 1})
		assert.ErrorIs(t, err, ErrRefundNotAllowed)
	})

	t.Run("unknown parent", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Refund(ctx, &RefundRequest{ParentID: "missing", IdempotencyKey: "r1", Amount: 1})
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

// interleavedLedger 在第一次插入指定类型的交易之前执行 before，模拟另一个请求恰好插队
type interleavedLedger struct {
	repository.Ledger
	kind   model.TxKind
	once   sync.Once
	before func()
}

func (l *interleavedLedger) InsertIfAbsent(ctx context.Context, txn *model.Transaction) (bool, *model.Transaction, error) {
	if txn.Kind == l.kind {
		l.once.Do(l.before)
	}
	return l.Ledger.InsertIfAbsent(ctx, txn)
}

func TestRefundAndVoid_ConcurrentNeverBothExecuted(t *testing.T) {
	ctx := context.Background()

	countOps := func(f *fixture, op provider.Operation) int {
		n := 0
		for _, c := range f.sandbox.Calls() {
			if c.Op == op {
				n++
			}
		}
		return n
	}

	t.Run("void lands before refund insert", func(t *testing.T) {
		f := newFixture(t)
		parent := f.charge(t, "k-parent", 1000)
		require.Equal(t, OutcomeSucceeded, parent.Status)

		var void *Outcome
		ledger := &interleavedLedger{Ledger: f.ledger, kind: model.TxKindRefund}
		ledger.before = func() {
			var err error
			void, err = f.engine.Void(ctx, &VoidRequest{ParentID: parent.TransactionID, IdempotencyKey: "v1"})
			require.NoError(t, err)
		}

		refund, err := f.engineWith(ledger).Refund(ctx, &RefundRequest{
			ParentID:       parent.TransactionID,
			IdempotencyKey: "r1",
			Amount:         400,
		})
		require.NoError(t, err)
		require.NotNil(t, void)

		assert.Equal(t, OutcomeSucceeded, void.Status)
		assert.Equal(t, OutcomeFailed, refund.Status)
		assert.Equal(t, "rejected", refund.FailureCode)
		assert.Equal(t, 1, countOps(f, provider.OpVoid))
		assert.Equal(t, 0, countOps(f, provider.OpRefund))
	})

	t.Run("refund lands before void insert", func(t *testing.T) {
		f := newFixture(t)
		parent := f.charge(t, "k-parent", 1000)
		require.Equal(t, OutcomeSucceeded, parent.Status)

		var refund *Outcome
		ledger := &interleavedLedger{Ledger: f.ledger, kind: model.TxKindVoid}
		ledger.before = func() {
			var err error
			refund, err = f.engine.Refund(ctx, &RefundRequest{ParentID: parent.TransactionID, IdempotencyKey: "r1", Amount: 400})
			require.NoError(t, err)
		}

		void, err := f.engineWith(ledger).Void(ctx, &VoidRequest{ParentID: parent.TransactionID, IdempotencyKey: "v1"})
		require.NoError(t, err)
		require.NotNil(t, refund)

		assert.Equal(t, OutcomeSucceeded, refund.Status)
		assert.Equal(t, OutcomeFailed, void.Status)
		assert.Equal(t, 1, countOps(f, provider.OpRefund))
		assert.Equal(t, 0, countOps(f, provider.OpVoid))
	})
}
