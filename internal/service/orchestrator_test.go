package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/provider"
)

// memLedger is an in-memory transactionLedger with the same conditional
// update semantics as the Postgres repository.
type memLedger struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.PaymentTransaction
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[uuid.UUID]*domain.PaymentTransaction)}
}

func (m *memLedger) CreateActive(ctx context.Context, txn *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.OrderReference == txn.OrderReference && !row.State.IsTerminal() {
			return domain.ErrDuplicateActiveTransaction
		}
	}
	clone := *txn
	m.rows[txn.ID] = &clone
	return nil
}

func (m *memLedger) MarkPendingConfirmation(ctx context.Context, id uuid.UUID, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.State != domain.StateInitiated {
		return domain.ErrTransactionTerminal
	}
	row.State = domain.StatePendingConfirmation
	if raw != nil {
		row.RawProviderPayload = raw
	}
	return nil
}

func (m *memLedger) ApplyTerminalState(ctx context.Context, id uuid.UUID, state domain.TransactionState, detail *string, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if row.State.IsTerminal() {
		return false, nil
	}
	row.State = state
	if detail != nil {
		row.Detail = detail
	}
	if raw != nil {
		row.RawProviderPayload = raw
	}
	now := time.Now().UTC()
	row.CompletedAt = &now
	return true, nil
}

func (m *memLedger) SupersedeCancelled(ctx context.Context, id uuid.UUID, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.State != domain.StateCancelled {
		return false, nil
	}
	row.State = domain.StateSucceeded
	if raw != nil {
		row.RawProviderPayload = raw
	}
	return true, nil
}

func (m *memLedger) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (m *memLedger) GetByProviderRef(ctx context.Context, providerRef string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ProviderRef == providerRef {
			clone := *row
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memLedger) ListActive(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, row := range m.rows {
		if !row.State.IsTerminal() && !row.CreatedAt.After(olderThan) && len(out) < limit {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memLedger) RecordPollAttempt(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.AttemptCount++
		now := time.Now().UTC()
		row.LastCheckedAt = &now
	}
	return nil
}

func (m *memLedger) stateOf(t *testing.T, id uuid.UUID) domain.TransactionState {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	require.True(t, ok, "transaction %s not found", id)
	return row.State
}

func (m *memLedger) stateOfNoFail(id uuid.UUID) domain.TransactionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		return row.State
	}
	return ""
}

// fakeClient scripts provider responses.
type fakeClient struct {
	mu            sync.Mutex
	initiateErr   error
	initiateDelay time.Duration
	initiateCalls int
	statusResults []*provider.StatusResult
	statusErr     error
	statusCalls   int
	lastInitiate  provider.InitiateRequest
}

func (f *fakeClient) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	f.mu.Lock()
	f.initiateCalls++
	f.lastInitiate = req
	delay := f.initiateDelay
	initiateErr := f.initiateErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if initiateErr != nil {
		return nil, initiateErr
	}
	return &provider.InitiateResult{Status: provider.StatusPending, Raw: []byte(`{}`)}, nil
}

func (f *fakeClient) QueryStatus(ctx context.Context, providerRef string) (*provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statusResults) == 0 {
		return &provider.StatusResult{Status: provider.StatusPending}, nil
	}
	res := f.statusResults[0]
	if len(f.statusResults) > 1 {
		f.statusResults = f.statusResults[1:]
	}
	return res, nil
}

// recordingNotifier counts completion notifications per transaction.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

type notification struct {
	orderRef string
	txnID    uuid.UUID
	state    domain.TransactionState
}

func (n *recordingNotifier) PaymentCompleted(ctx context.Context, orderRef string, txnID uuid.UUID, state domain.TransactionState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{orderRef, txnID, state})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func setupOrchestrator(client provider.Client) (*Orchestrator, *memLedger, *recordingNotifier) {
	ledger := newMemLedger()
	notifier := &recordingNotifier{}
	orch := NewOrchestrator(ledger, provider.Registry{
		domain.ProviderMTN:    client,
		domain.ProviderAirtel: client,
	}, notifier)
	return orch, ledger, notifier
}

func TestInitiatePayment_HappyPath(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, notifier := setupOrchestrator(client)

	txn, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-1",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatePendingConfirmation, txn.State)
	assert.Equal(t, "256772123456", txn.PayerPhone)
	assert.NotEmpty(t, txn.ProviderRef)
	assert.Equal(t, domain.StatePendingConfirmation, ledger.stateOf(t, txn.ID))

	// Initiation only acknowledges the prompt; nothing is complete yet.
	assert.Equal(t, 0, notifier.count())
	assert.Equal(t, txn.ProviderRef, client.lastInitiate.ProviderRef)
}

func TestInitiatePayment_InvalidPhone_NoProviderCall(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, _ := setupOrchestrator(client)

	_, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-2",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "12345",
		Amount:         5000,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPhone)
	assert.Equal(t, 0, client.initiateCalls)
	assert.Empty(t, ledger.rows)
}

func TestInitiatePayment_BelowMinimumAmount(t *testing.T) {
	client := &fakeClient{}
	orch, _, _ := setupOrchestrator(client)

	_, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-3",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         50,
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, 0, client.initiateCalls)
}

func TestInitiatePayment_UnsupportedProvider(t *testing.T) {
	orch := NewOrchestrator(newMemLedger(), provider.Registry{}, &recordingNotifier{})

	_, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-4",
		Provider:       domain.Provider("m-pesa"),
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}

func TestInitiatePayment_DuplicateActiveOrder(t *testing.T) {
	client := &fakeClient{}
	orch, _, _ := setupOrchestrator(client)
	ctx := context.Background()

	_, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-5",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	_, err = orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-5",
		Provider:       domain.ProviderAirtel,
		PayerPhoneRaw:  "0700123456",
		Amount:         5000,
	})
	require.ErrorIs(t, err, domain.ErrDuplicateActiveTransaction)
	assert.Equal(t, 1, client.initiateCalls)
}

func TestInitiatePayment_ProviderRejection_FinalizesFailed(t *testing.T) {
	client := &fakeClient{
		initiateErr: &provider.RejectedError{Op: "mtn.Initiate", StatusCode: 400, Detail: "payer not registered"},
	}
	orch, ledger, notifier := setupOrchestrator(client)

	txn, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-6",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailed, txn.State)
	require.NotNil(t, txn.Detail)
	assert.Equal(t, "payer not registered", *txn.Detail)
	assert.Equal(t, domain.StateFailed, ledger.stateOf(t, txn.ID))

	// A rejection is terminal, so the completion notification fires now.
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, domain.StateFailed, notifier.calls[0].state)
}

func TestInitiatePayment_TransientFailure_LeftForPolling(t *testing.T) {
	client := &fakeClient{
		initiateErr: &provider.TransientError{Op: "mtn.Initiate", Err: fmt.Errorf("connection reset")},
	}
	orch, ledger, notifier := setupOrchestrator(client)

	txn, err := orch.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderReference: "ORD-7",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	// The request may have reached the provider, so the row stays initiated
	// for the polling scheduler to resolve by status query.
	assert.Equal(t, domain.StateInitiated, ledger.stateOf(t, txn.ID))
	assert.Equal(t, 0, notifier.count())
}

func TestApplySignal_FirstWins_SecondNoOps(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, notifier := setupOrchestrator(client)
	ctx := context.Background()

	txn, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-8",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	sig := Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: txn.ProviderRef,
		Status:      provider.StatusSucceeded,
	}

	outcome, err := orch.ApplySignal(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignalApplied, outcome)

	// The losing channel reports the same terminal state a moment later.
	outcome, err = orch.ApplySignal(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, SignalNoOp, outcome)

	assert.Equal(t, domain.StateSucceeded, ledger.stateOf(t, txn.ID))
	assert.Equal(t, 1, notifier.count())
}

func TestApplySignal_ConcurrentChannels_OneNotification(t *testing.T) {
	client := &fakeClient{}
	orch, _, notifier := setupOrchestrator(client)
	ctx := context.Background()

	txn, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-9",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	sig := Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: txn.ProviderRef,
		Status:      provider.StatusSucceeded,
	}

	const racers = 8
	var wg sync.WaitGroup
	outcomes := make([]SignalOutcome, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := orch.ApplySignal(ctx, sig)
			require.NoError(t, err)
			outcomes[i] = outcome
		}()
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == SignalApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, notifier.count())
}

func TestApplySignal_UnknownReference(t *testing.T) {
	client := &fakeClient{}
	orch, _, _ := setupOrchestrator(client)

	outcome, err := orch.ApplySignal(context.Background(), Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: "never-seen",
		Status:      provider.StatusSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, SignalUnknownRef, outcome)
}

func TestApplySignal_PendingReportIsNoOp(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, _ := setupOrchestrator(client)
	ctx := context.Background()

	txn, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-10",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	outcome, err := orch.ApplySignal(ctx, Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: txn.ProviderRef,
		Status:      provider.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, SignalNoOp, outcome)
	assert.Equal(t, domain.StatePendingConfirmation, ledger.stateOf(t, txn.ID))
}

func TestCancel_ThenProviderSuccess_Supersedes(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, notifier := setupOrchestrator(client)
	ctx := context.Background()

	txn, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-11",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	cancelled, err := orch.Cancel(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Equal(t, 1, notifier.count())

	// The customer confirmed on the handset before the cancel landed; the
	// provider's success arrives afterwards and wins.
	outcome, err := orch.ApplySignal(ctx, Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: txn.ProviderRef,
		Status:      provider.StatusSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, SignalApplied, outcome)
	assert.Equal(t, domain.StateSucceeded, ledger.stateOf(t, txn.ID))

	// A corrective notification follows the superseding success.
	require.Equal(t, 2, notifier.count())
	assert.Equal(t, domain.StateCancelled, notifier.calls[0].state)
	assert.Equal(t, domain.StateSucceeded, notifier.calls[1].state)
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	client := &fakeClient{}
	orch, ledger, notifier := setupOrchestrator(client)
	ctx := context.Background()

	txn, err := orch.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderReference: "ORD-12",
		Provider:       domain.ProviderMTN,
		PayerPhoneRaw:  "0772123456",
		Amount:         5000,
	})
	require.NoError(t, err)

	_, err = orch.ApplySignal(ctx, Signal{
		Provider:    domain.ProviderMTN,
		ProviderRef: txn.ProviderRef,
		Status:      provider.StatusFailed,
		Detail:      "insufficient funds",
	})
	require.NoError(t, err)

	got, err := orch.Cancel(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.StateFailed, ledger.stateOf(t, txn.ID))
	assert.Equal(t, 1, notifier.count())
}
