package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZKGuard-Chain/internal/adapter"
	"ZKGuard-Chain/internal/enclave"
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/observability/alerting"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/policy/rules"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/internal/userop"
	"ZKGuard-Chain/internal/verifier"
	"ZKGuard-Chain/internal/web3/paymaster"
	"ZKGuard-Chain/pkg/logger"
)

var (
	user      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	account   = common.HexToAddress("0x000000000000000000000000000000000000acc7")
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	token     = common.HexToAddress("0x00000000000000000000000000000000000070c0")
	entry     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	submitted = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	txHash    = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
)

type proposerFunc func(ctx context.Context, adapterID string, pctx adapter.ProposalContext) (*policy.TransactionIntent, error)

func (f proposerFunc) Propose(ctx context.Context, adapterID string, pctx adapter.ProposalContext) (*policy.TransactionIntent, error) {
	return f(ctx, adapterID, pctx)
}

type staticSignals policy.Signals

func (s staticSignals) Collect(context.Context) policy.Signals { return policy.Signals(s) }

type fakeChain struct{}

func (fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) { return nil, nil }

func (fakeChain) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(7).Bytes(), 32), nil
}

func (fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

type fakeBundler struct {
	mu           sync.Mutex
	receiptAt    int
	receiptErrs  int
	onPoll       func(n int)
	success      bool
	sendErr      error
	sent         []*userop.UserOperation
	receiptPolls int
}

func (b *fakeBundler) EstimateUserOperationGas(context.Context, *userop.UserOperation, common.Address) (userop.GasEstimate, error) {
	return userop.GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(90_000)),
	}, nil
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *userop.UserOperation, _ common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.sent = append(b.sent, op.Clone())
	return submitted, nil
}

func (b *fakeBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*userop.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptPolls++
	if b.onPoll != nil {
		b.onPoll(b.receiptPolls)
	}
	if b.receiptPolls <= b.receiptErrs {
		return nil, errors.New("bundler: connection reset by peer")
	}
	if b.receiptAt == 0 || b.receiptPolls < b.receiptAt {
		return nil, nil
	}
	r := &userop.Receipt{UserOpHash: hash, Success: b.success}
	r.Receipt.TransactionHash = txHash
	return r, nil
}

func (b *fakeBundler) polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiptPolls
}

func (b *fakeBundler) sends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakeSigner struct {
	account common.Address
	result  enclave.SignResult
	calls   int
}

func (s *fakeSigner) Account() common.Address { return s.account }

func (s *fakeSigner) Sign(context.Context, SignInput) (enclave.SignResult, error) {
	s.calls++
	return s.result, nil
}

type fakeSponsor struct{ err error }

func (s fakeSponsor) SponsorUserOperation(context.Context, *userop.UserOperation, common.Address, map[string]any) (paymaster.Sponsorship, error) {
	if s.err != nil {
		return paymaster.Sponsorship{}, s.err
	}
	return paymaster.Sponsorship{PaymasterAndData: hexutil.Bytes{0xaa}}, nil
}

type fakeProver struct {
	err error
	got proofs.Request
}

func (p *fakeProver) GenerateProof(_ context.Context, _, _ string, req proofs.Request) (*proofs.Proof, error) {
	p.got = req
	if p.err != nil {
		return nil, p.err
	}
	return &proofs.Proof{
		Data: []byte{1, 2, 3},
		PublicInputs: proofs.PublicInputs{
			PolicySatisfied: true,
			Nullifier:       big.NewInt(42),
			UserAddressHash: big.NewInt(99),
		},
	}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

// pausingSignals 第一次采集时一切正常，之后报告全局暂停。
type pausingSignals struct {
	calls atomic.Int32
}

func (s *pausingSignals) Collect(context.Context) policy.Signals {
	n := s.calls.Add(1)
	return policy.NewSignals(map[string]any{
		policy.SignalRedemptionTelemetry: policy.RedemptionTelemetry{GlobalPaused: n > 1},
	})
}

type harness struct {
	store    *storage.MemoryStore
	bundler  *fakeBundler
	signer   *fakeSigner
	sign     Signer
	signals  SignalSource
	alerter  *recordingAlerter
	proposer proposerFunc
	inst     *storage.Installation
}

func transferIntent(amount int64) *policy.TransactionIntent {
	to := recipient
	return &policy.TransactionIntent{Target: token, TokenAmount: big.NewInt(amount), Recipient: &to}
}

func newHarness(t *testing.T, policies ...policy.Policy) *harness {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	inst := &storage.Installation{
		UserAddress: user.Hex(),
		AdapterID:   "transfer",
		Config:      json.RawMessage(`{"amount":"5"}`),
		Enabled:     true,
	}
	require.NoError(t, store.SaveInstallation(context.Background(), inst))
	if len(policies) > 0 {
		require.NoError(t, store.SavePolicies(context.Background(), &storage.PolicyRecord{
			UserAddress:    user.Hex(),
			InstallationID: inst.ID,
			Policies:       policies,
		}))
	}
	return &harness{
		store:   store,
		bundler: &fakeBundler{success: true},
		signer: &fakeSigner{account: account, result: enclave.SignResult{
			Allowed:   true,
			Signature: hexutil.Bytes{0x01, 0x02},
		}},
		alerter: &recordingAlerter{},
		proposer: func(context.Context, string, adapter.ProposalContext) (*policy.TransactionIntent, error) {
			return transferIntent(5), nil
		},
		inst: inst,
	}
}

func (h *harness) executor(t *testing.T, cfg Config, opts ...Option) *Executor {
	t.Helper()
	registry := policy.NewRegistry()
	require.NoError(t, rules.RegisterDefaults(registry, rules.DefaultOptions()))
	engine := policy.NewEngine(registry, policy.WithLogger(logger.Discard()))
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	cfg.EntryPoint = entry
	cfg.DefaultSmartAccount = account
	opts = append([]Option{WithLogger(logger.Discard()), WithAlerter(h.alerter)}, opts...)
	var signer Signer = h.signer
	if h.sign != nil {
		signer = h.sign
	}
	var signals SignalSource = staticSignals{}
	if h.signals != nil {
		signals = h.signals
	}
	e, err := New(cfg, Dependencies{
		Records:  h.store,
		Proposer: h.proposer,
		Engine:   engine,
		Signals:  signals,
		Chain:    fakeChain{},
		Bundler:  h.bundler,
		Signer:   signer,
	}, opts...)
	require.NoError(t, err)
	return e
}

func (h *harness) request() Request {
	return Request{UserAddress: user.Hex(), InstallationID: h.inst.ID}
}

func maxAmount(limit string) policy.Policy {
	return policy.Policy{
		ID:      "p-max",
		Type:    rules.TypeMaxAmount,
		Name:    "cap",
		Enabled: true,
		Config:  json.RawMessage(`{"maxAmount":"` + limit + `","decimals":0}`),
	}
}

func TestExecuteConfirmsAfterPolling(t *testing.T) {
	h := newHarness(t, maxAmount("10"))
	h.bundler.receiptAt = 30
	e := h.executor(t, Config{})

	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, txHash.Hex(), out.TxHash)
	assert.Equal(t, submitted.Hex(), out.UserOpHash)
	assert.Equal(t, []State{StateDrafted, StatePrepared, StateSponsored, StateSigned, StateSubmitted, StateConfirmed}, out.Trail)
	assert.Equal(t, 30, h.bundler.receiptPolls)
	require.Equal(t, 1, h.bundler.sends())

	op := h.bundler.sent[0]
	assert.Equal(t, account, op.Sender)
	assert.Equal(t, int64(7), op.Nonce.Int64())
	assert.Equal(t, []byte{0x01, 0x02}, op.Signature)
	assert.Equal(t, int64(90_000), op.CallGasLimit.Int64())

	calls, err := userop.DecodeCalls(op.CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, token, calls[0].Target)

	last, ok, err := h.store.LastSuccessfulExecution(context.Background(), user.Hex(), h.inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, last.IsZero())

	logged, err := h.store.GetExecution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", logged.State)
	assert.True(t, logged.Succeeded)
}

func TestExecuteTimesOutAfterExhaustingPolls(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t, Config{PollAttempts: 30})

	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, ReasonReceiptNotFound, out.Reason)
	assert.Equal(t, xerrors.CodeReceiptTimeout, out.Code)
	assert.Equal(t, submitted.Hex(), out.UserOpHash)
	assert.Equal(t, 30, h.bundler.receiptPolls)

	require.Len(t, h.alerter.events, 1)
	assert.Equal(t, out.ExecutionID, h.alerter.events[0].ExecutionID)
	assert.Equal(t, submitted.Hex(), h.alerter.events[0].UserOpHash)

	_, ok, err := h.store.LastSuccessfulExecution(context.Background(), user.Hex(), h.inst.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteRevertedReceipt(t *testing.T) {
	h := newHarness(t)
	h.bundler.receiptAt = 1
	h.bundler.success = false
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, xerrors.CodeCallReverted, out.Code)
	assert.Equal(t, txHash.Hex(), out.TxHash)
}

func TestExecuteSignerBlockNeverSubmits(t *testing.T) {
	h := newHarness(t)
	h.signer.result = enclave.SignResult{Allowed: false, Reason: "paused", BlockingPolicy: "pause"}
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, "pause", out.BlockingPolicy)
	assert.Equal(t, "paused", out.Reason)
	assert.Equal(t, StateSponsored, out.State)
	assert.Equal(t, 1, h.signer.calls)
	assert.Zero(t, h.bundler.sends())
	assert.Empty(t, out.UserOpHash)
}

func TestExecutePreflightBlock(t *testing.T) {
	h := newHarness(t, maxAmount("3"))
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, "cap", out.BlockingPolicy)
	assert.Equal(t, []State{StateDrafted}, out.Trail)
	require.NotNil(t, out.Evaluation)
	assert.False(t, out.Evaluation.Allowed)
	assert.Zero(t, h.signer.calls)
	assert.Zero(t, h.bundler.sends())
}

func TestExecuteNoTransactionRequired(t *testing.T) {
	h := newHarness(t)
	h.proposer = func(context.Context, string, adapter.ProposalContext) (*policy.TransactionIntent, error) {
		return nil, nil
	}
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, ReasonNoTransaction, out.Reason)
	assert.Zero(t, h.bundler.sends())

	_, ok, err := h.store.LastSuccessfulExecution(context.Background(), user.Hex(), h.inst.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteMergesParamsIntoConfig(t *testing.T) {
	h := newHarness(t)
	var seen adapter.ProposalContext
	h.proposer = func(_ context.Context, _ string, pctx adapter.ProposalContext) (*policy.TransactionIntent, error) {
		seen = pctx
		return nil, nil
	}
	req := h.request()
	req.Params = map[string]any{"amount": "9", ParamSmartAccount: account.Hex()}
	_, err := h.executor(t, Config{}).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"9"}`, string(seen.Config))
	assert.Equal(t, account, seen.SmartAccount)
	assert.Equal(t, user, seen.UserAddress)
}

func TestExecuteAccountMismatch(t *testing.T) {
	h := newHarness(t)
	h.signer.account = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, xerrors.CodeAccountMismatch, out.Code)
	assert.Zero(t, h.signer.calls)
	require.Len(t, h.alerter.events, 1)
	assert.Equal(t, xerrors.CodeAccountMismatch, h.alerter.events[0].Code)
}

func TestExecuteSponsorFailure(t *testing.T) {
	h := newHarness(t)
	out, err := h.executor(t, Config{}, WithSponsor(fakeSponsor{err: errors.New("quota exceeded")})).
		Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, xerrors.CodeSubmission, out.Code)
	assert.Equal(t, StatePrepared, out.State)
	assert.Zero(t, h.bundler.sends())
}

func TestExecuteSendFailure(t *testing.T) {
	h := newHarness(t)
	h.bundler.sendErr = errors.New("AA21 didn't pay prefund")
	out, err := h.executor(t, Config{}, WithSponsor(fakeSponsor{})).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, xerrors.CodeSubmission, out.Code)
	assert.Equal(t, StateSigned, out.State)
	assert.Zero(t, h.bundler.receiptPolls)
}

func TestExecuteWrapsCallWithProof(t *testing.T) {
	h := newHarness(t)
	h.bundler.receiptAt = 1
	prover := &fakeProver{}
	verifierAddr := common.HexToAddress("0x000000000000000000000000000000000000beef")
	now := time.Unix(1_700_000_000, 0)
	e := h.executor(t, Config{VerifierAddress: verifierAddr}, WithProver(prover), WithClock(func() time.Time { return now }))

	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "5", prover.got.Amount)
	assert.Equal(t, recipient.Hex(), prover.got.Recipient)
	assert.Equal(t, now.Unix(), prover.got.Timestamp)

	calls, err := userop.DecodeCalls(h.bundler.sent[0].CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, verifierAddr, calls[0].Target)

	call := verifier.CallFromProof(&proofs.Proof{
		Data:         []byte{1, 2, 3},
		PublicInputs: proofs.PublicInputs{PolicySatisfied: true, Nullifier: big.NewInt(42), UserAddressHash: big.NewInt(99)},
	}, token, big.NewInt(0), nil)
	want, err := verifier.EncodeVerifyAndExecute(call)
	require.NoError(t, err)
	assert.Equal(t, want, calls[0].Data)
}

func TestExecuteProofConstraintBlocks(t *testing.T) {
	h := newHarness(t)
	prover := &fakeProver{err: xerrors.New(xerrors.CodeProofConstraint, "policy circuit not satisfied")}
	e := h.executor(t, Config{VerifierAddress: common.HexToAddress("0xbeef")}, WithProver(prover))
	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, proofBlockingPolicy, out.BlockingPolicy)
	assert.Zero(t, h.bundler.sends())
}

func TestExecuteRejectsForeignInstallation(t *testing.T) {
	h := newHarness(t)
	req := h.request()
	req.UserAddress = recipient.Hex()
	_, err := h.executor(t, Config{}).Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestExecuteDisabledInstallation(t *testing.T) {
	h := newHarness(t)
	h.inst.Enabled = false
	require.NoError(t, h.store.SaveInstallation(context.Background(), h.inst))
	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, xerrors.CodeInvalidArgument, out.Code)
	assert.Empty(t, out.Trail)
}

type boundaryFunc func(ctx context.Context, call verifier.Call) (bool, error)

func (f boundaryFunc) VerifyAndExecute(ctx context.Context, call verifier.Call) (bool, error) {
	return f(ctx, call)
}

func TestExecuteBoundaryCheckSubmitsDirectCall(t *testing.T) {
	h := newHarness(t)
	h.bundler.receiptAt = 1
	var checked []verifier.Call
	boundary := boundaryFunc(func(_ context.Context, call verifier.Call) (bool, error) {
		checked = append(checked, call)
		return true, nil
	})
	e := h.executor(t, Config{}, WithProver(&fakeProver{}), WithBoundaryCheck(boundary))

	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	require.Len(t, checked, 1)
	assert.Equal(t, proofs.ToHash(big.NewInt(42)), checked[0].Nullifier)

	calls, err := userop.DecodeCalls(h.bundler.sent[0].CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, token, calls[0].Target)
}

func TestExecuteReferenceBoundaryRejectsForgedProof(t *testing.T) {
	h := newHarness(t)
	reference := verifier.NewReference(common.HexToAddress("0x00000000000000000000000000000000000a77e5"), nil, nil)
	e := h.executor(t, Config{}, WithProver(&fakeProver{}), WithBoundaryCheck(reference))

	out, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, boundaryBlockingPolicy, out.BlockingPolicy)
	assert.Zero(t, h.bundler.sends())
}

func TestExecuteBoundaryReplayBlocks(t *testing.T) {
	h := newHarness(t)
	h.bundler.receiptAt = 1
	spent := map[common.Hash]bool{}
	boundary := boundaryFunc(func(_ context.Context, call verifier.Call) (bool, error) {
		if spent[call.Nullifier] {
			return false, xerrors.New(xerrors.CodeNullifierUsed, "nullifier already used")
		}
		spent[call.Nullifier] = true
		return true, nil
	})
	e := h.executor(t, Config{}, WithProver(&fakeProver{}), WithBoundaryCheck(boundary))

	first, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, first.Decision)

	second, err := e.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, second.Decision)
	assert.Equal(t, boundaryBlockingPolicy, second.BlockingPolicy)
	assert.Equal(t, 1, h.bundler.sends())
}

func TestExecuteRetriesReceiptTransportErrors(t *testing.T) {
	h := newHarness(t)
	h.bundler.receiptErrs = 5
	h.bundler.receiptAt = 6

	out, err := h.executor(t, Config{PollAttempts: 30}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, txHash.Hex(), out.TxHash)
	assert.Equal(t, 6, h.bundler.polls())
	assert.Equal(t, 1, h.bundler.sends())
}

func TestExecuteStopsPollingWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.bundler.onPoll = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	out, err := h.executor(t, Config{PollAttempts: 30, PollInterval: 5 * time.Millisecond}).Execute(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision)
	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, submitted.Hex(), out.UserOpHash)
	assert.Equal(t, 3, h.bundler.polls())

	logged, err := h.store.GetExecution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, submitted.Hex(), logged.UserOpHash)
	assert.Equal(t, "TIMED_OUT", logged.State)
}

func TestExecuteRecollectsSignalsBeforeSigning(t *testing.T) {
	pause := policy.Policy{
		ID:      "p-pause",
		Type:    rules.TypeSecurityPause,
		Name:    "pause",
		Enabled: true,
		Config:  json.RawMessage(`{"globalThreshold":0.25,"userThreshold":0.5}`),
	}
	h := newHarness(t, pause)
	h.bundler.receiptAt = 1
	signals := &pausingSignals{}
	h.signals = signals

	registry := policy.NewRegistry()
	require.NoError(t, rules.RegisterDefaults(registry, rules.DefaultOptions()))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	local, err := NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)), account, policy.NewEngine(registry, policy.WithLogger(logger.Discard())))
	require.NoError(t, err)
	h.sign = local

	out, err := h.executor(t, Config{}).Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, int32(2), signals.calls.Load())
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, "pause", out.BlockingPolicy)
	assert.Zero(t, h.bundler.sends())
	assert.NotContains(t, out.Trail, StateSigned)
}
