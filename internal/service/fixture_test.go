package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"gateway/internal/config"
	"gateway/internal/infrastructure/database"
	"gateway/internal/logging"
	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testDispatchConfig = config.DispatchConfig{
	MaxAttempts:         3,
	BackoffBase:         10 * time.Millisecond,
	BackoffCap:          100 * time.Millisecond,
	ProviderTimeout:     50 * time.Millisecond,
	StaleLeaseThreshold: time.Minute,
}

var testReconcileConfig = config.ReconcileConfig{
	Interval:          time.Second,
	InFlightTimeout:   30 * time.Second,
	ManualReviewAfter: 24 * time.Hour,
	BatchSize:         50,
}

type fixture struct {
	db         *gorm.DB
	ledger     *repository.TransactionRepository
	anomalies  *repository.AnomalyRepository
	outbox     *repository.OutboxRepository
	sandbox    *provider.Sandbox
	engine     *DispatchEngine
	reconciler *Reconciler
	query      *TransactionService
	registry   *provider.Registry
	builder    *EventBuilder

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T, adapters ...provider.Adapter) *fixture {
	t.Helper()

	db := database.NewTestDB(t)
	f := &fixture{
		db:        db,
		ledger:    repository.NewTransactionRepository(db),
		anomalies: repository.NewAnomalyRepository(db),
		outbox:    repository.NewOutboxRepository(db),
		sandbox:   provider.NewSandbox(),
	}
	if len(adapters) == 0 {
		adapters = []provider.Adapter{f.sandbox}
	}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	log := logging.Discard()
	registry := provider.NewRegistry(adapters...)
	events := NewEventBuilder("gateway.transactions")

	f.registry = registry
	f.builder = events
	f.engine = f.engineWith(f.ledger)
	f.reconciler = NewReconciler(f.ledger, f.anomalies, registry, events, testReconcileConfig,
		testDispatchConfig.ProviderTimeout, log, m)
	f.query = NewTransactionService(f.ledger, f.anomalies)
	return f
}

// engineWith 在指定账本上构建派发引擎，测试用包装账本注入并发时序
func (f *fixture) engineWith(ledger repository.Ledger) *DispatchEngine {
	return NewDispatchEngine(ledger, f.anomalies, f.registry, f.builder, testDispatchConfig,
		logging.Discard(), metrics.NewMetrics(prometheus.NewRegistry()),
		WithSleep(f.sleep),
		WithIDGenerator(func(kind model.TxKind) string {
			return string(kind) + "_" + uuid.NewString()
		}),
	)
}

func (f *fixture) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return nil
}

// advance 让对账看到的时间前移
func (f *fixture) advance(d time.Duration) {
	f.reconciler.SetClock(func() time.Time { return time.Now().UTC().Add(d) })
}

func (f *fixture) charge(t *testing.T, key string, amount int64) *Outcome {
	t.Helper()
	out, err := f.engine.Process(context.Background(), &ChargeRequest{
		IdempotencyKey: key,
		Amount:         amount,
		Currency:       "USD",
		Provider:       "sandbox",
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) reload(t *testing.T, id string) *model.Transaction {
	t.Helper()
	txn, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) events(t *testing.T, id string) []*model.OutboxMessage {
	t.Helper()
	msgs, err := f.outbox.ListByKey(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

// seed 直接在账本里造一条指定状态的扣款，指纹与同参数的 ChargeRequest 一致
func (f *fixture) seed(t *testing.T, key string, state model.TxState) *model.Transaction {
	t.Helper()
	ctx := context.Background()

	txn := &model.Transaction{
		ID:             "seed_" + key,
		IdempotencyKey: key,
		Fingerprint:    Fingerprint(model.TxKindCharge, "", 1000, "USD", model.ProviderSandbox, []byte("{}")),
		Kind:           model.TxKindCharge,
		Amount:         1000,
		Currency:       "USD",
		Provider:       model.ProviderSandbox,
		Payload:        []byte("{}"),
		State:          model.TxStatePending,
	}
	created, _, err := f.ledger.InsertIfAbsent(ctx, txn)
	require.NoError(t, err)
	require.True(t, created)

	if state == model.TxStatePending {
		return txn
	}

	now := time.Now().UTC()
	next := txn.Clone()
	next.State = model.TxStateInFlight
	next.AttemptCount = 1
	next.LastAttemptAt = &now
	require.NoError(t, f.ledger.CompareAndSet(ctx, model.ActorDispatch, txn, next))
	if state == model.TxStateInFlight {
		return next
	}

	last := next.Clone()
	last.State = state
	require.NoError(t, f.ledger.CompareAndSet(ctx, model.ActorDispatch, next, last))
	return last
}

// backdate 把 updated_at 拨回过去，模拟持有者崩溃
func (f *fixture) backdate(t *testing.T, id string, d time.Duration) {
	t.Helper()
	err := f.db.Model(&model.Transaction{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC().Add(-d)).Error
	require.NoError(t, err)
}
