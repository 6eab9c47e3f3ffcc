package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upsellflow/extension"
	"upsellflow/offer"
	"upsellflow/platform"
)

// recorder collects the calls made to every collaborator in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeGateway struct {
	rec          *recorder
	calculateErr error
	applyErr     error
	block        bool
	gotChanges   []offer.Change
	gotToken     string
}

func (g *fakeGateway) CalculateChangeset(ctx context.Context, changes []offer.Change) (platform.CalculatedPurchase, error) {
	g.rec.add("calculate")
	g.gotChanges = changes
	if g.block {
		<-ctx.Done()
		return platform.CalculatedPurchase{}, ctx.Err()
	}
	if g.calculateErr != nil {
		return platform.CalculatedPurchase{}, g.calculateErr
	}
	return platform.CalculatedPurchase{
		Lines: []platform.PricedLine{{
			VariantID: 123456789,
			Quantity:  1,
			Price:     decimal.RequireFromString("699.95"),
			Total:     decimal.RequireFromString("594.96"),
		}},
		Total: decimal.RequireFromString("594.96"),
	}, nil
}

func (g *fakeGateway) ApplyChangeset(_ context.Context, token string) error {
	g.rec.add("apply")
	g.gotToken = token
	return g.applyErr
}

type fakeSigner struct {
	rec     *recorder
	err     error
	entered chan struct{}
	release chan struct{}
	got     extension.SignRequest
}

func (s *fakeSigner) SignChangeset(ctx context.Context, req extension.SignRequest) (string, error) {
	s.rec.add("sign")
	s.got = req
	if s.entered != nil {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return "signed-token", nil
}

type fixture struct {
	rec     *recorder
	gateway *fakeGateway
	signer  *fakeSigner
	machine *Machine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	rec := &recorder{}
	f := &fixture{
		rec:     rec,
		gateway: &fakeGateway{rec: rec},
		signer:  &fakeSigner{rec: rec},
	}
	f.machine = New(cfg, Deps{
		Gateway: f.gateway,
		Signer:  f.signer,
		Done: func(context.Context) error {
			rec.add("done")
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, extension.PurchaseContext{ReferenceID: "abc", Token: "session-token"}, offer.DemoOffers()[0])
	return f
}

func TestStart_ReachesCalculated(t *testing.T) {
	f := newFixture(t, Config{})
	var states []State
	f.machine.OnChange(func(s Snapshot) { states = append(states, s.State) })

	require.NoError(t, f.machine.Start(context.Background()))

	snap := f.machine.Snapshot()
	assert.Equal(t, Calculated, snap.State)
	assert.True(t, snap.InputEnabled)
	assert.NoError(t, snap.Err)
	require.NotNil(t, snap.Calculated)
	assert.Equal(t, "594.96", snap.Calculated.Total.StringFixed(2))
	assert.Equal(t, []State{OfferPresented, Calculating, Calculated}, states)
	assert.Equal(t, offer.DemoOffers()[0].Changes, f.gateway.gotChanges)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))
	assert.ErrorIs(t, f.machine.Start(context.Background()), ErrInvalidState)
}

func TestStart_CalculateFailureStaysCalculating(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.calculateErr = errors.New("503 from platform")

	err := f.machine.Start(context.Background())
	require.Error(t, err)
	assert.True(t, platform.IsError(err))

	snap := f.machine.Snapshot()
	assert.Equal(t, Calculating, snap.State)
	assert.Nil(t, snap.Calculated)
	assert.Error(t, snap.Err)
	assert.True(t, snap.InputEnabled)

	assert.ErrorIs(t, f.machine.Accept(context.Background()), ErrInvalidState)
	assert.Equal(t, 0, f.rec.count("sign"))
}

func TestRetry_AfterCalculateFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.calculateErr = errors.New("flaky")
	require.Error(t, f.machine.Start(context.Background()))

	f.gateway.calculateErr = nil
	require.NoError(t, f.machine.Retry(context.Background()))
	assert.Equal(t, Calculated, f.machine.Snapshot().State)
	assert.Equal(t, 2, f.rec.count("calculate"))

	assert.ErrorIs(t, f.machine.Retry(context.Background()), ErrInvalidState)
}

func TestDecline_AfterCalculateFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.calculateErr = errors.New("down")
	require.Error(t, f.machine.Start(context.Background()))

	require.NoError(t, f.machine.Decline(context.Background()))
	snap := f.machine.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, OutcomeDeclined, snap.Outcome)
	assert.Equal(t, []string{"calculate", "done"}, f.rec.sequence())
}

func TestDecline_NoBackendOrApplyCalls(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))

	require.NoError(t, f.machine.Decline(context.Background()))

	snap := f.machine.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, OutcomeDeclined, snap.Outcome)
	assert.False(t, snap.InputEnabled)
	assert.Equal(t, 0, f.rec.count("sign"))
	assert.Equal(t, 0, f.rec.count("apply"))
	assert.Equal(t, 1, f.rec.count("done"))
}

func TestAccept_SignsThenApplies(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))

	require.NoError(t, f.machine.Accept(context.Background()))

	assert.Equal(t, []string{"calculate", "sign", "apply", "done"}, f.rec.sequence())
	assert.Equal(t, extension.SignRequest{ReferenceID: "abc", OfferID: 1, Token: "session-token"}, f.signer.got)
	assert.Equal(t, "signed-token", f.gateway.gotToken)

	snap := f.machine.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, OutcomeAccepted, snap.Outcome)
}

func TestAccept_BeforeCalculated(t *testing.T) {
	f := newFixture(t, Config{})
	assert.ErrorIs(t, f.machine.Accept(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, f.machine.Decline(context.Background()), ErrInvalidState)
	assert.Empty(t, f.rec.sequence())
}

func TestAccept_ConcurrentSecondAttemptRejected(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))
	f.signer.entered = make(chan struct{})
	f.signer.release = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- f.machine.Accept(context.Background()) }()
	<-f.signer.entered

	snap := f.machine.Snapshot()
	assert.Equal(t, Accepting, snap.State)
	assert.False(t, snap.InputEnabled)
	assert.ErrorIs(t, f.machine.Accept(context.Background()), ErrInputDisabled)
	assert.ErrorIs(t, f.machine.Decline(context.Background()), ErrInputDisabled)

	close(f.signer.release)
	require.NoError(t, <-first)

	assert.Equal(t, 1, f.rec.count("sign"))
	assert.Equal(t, 1, f.rec.count("apply"))
	assert.Equal(t, 1, f.rec.count("done"))
}

func TestAccept_ManyConcurrentCallers(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.machine.Accept(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrInputDisabled) || errors.Is(err, ErrInvalidState), "unexpected %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.rec.count("sign"))
	assert.Equal(t, 1, f.rec.count("apply"))
	assert.Equal(t, 1, f.rec.count("done"))
}

func TestAccept_SignFailureReturnsToCalculated(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))
	f.signer.err = fmt.Errorf("extension: sign changeset: %w", offer.ErrNotFound)

	err := f.machine.Accept(context.Background())
	assert.ErrorIs(t, err, offer.ErrNotFound)

	snap := f.machine.Snapshot()
	assert.Equal(t, Calculated, snap.State)
	assert.True(t, snap.InputEnabled)
	assert.ErrorIs(t, snap.Err, offer.ErrNotFound)
	assert.Equal(t, 0, f.rec.count("apply"))
	assert.Equal(t, 0, f.rec.count("done"))

	f.signer.err = nil
	require.NoError(t, f.machine.Accept(context.Background()))
	assert.Equal(t, Completed, f.machine.Snapshot().State)
	assert.Equal(t, 2, f.rec.count("sign"))
}

func TestAccept_ApplyFailureOnlyAllowsDecline(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))
	f.gateway.applyErr = errors.New("connection reset")

	err := f.machine.Accept(context.Background())
	require.Error(t, err)
	assert.True(t, platform.IsError(err))

	snap := f.machine.Snapshot()
	assert.Equal(t, Calculated, snap.State)
	assert.Error(t, snap.Err)
	assert.True(t, snap.InputEnabled)

	f.gateway.applyErr = nil
	assert.ErrorIs(t, f.machine.Accept(context.Background()), ErrApplyUncertain)
	assert.Equal(t, 1, f.rec.count("sign"))
	assert.Equal(t, 1, f.rec.count("apply"))

	require.NoError(t, f.machine.Decline(context.Background()))
	assert.Equal(t, OutcomeDeclined, f.machine.Snapshot().Outcome)
	assert.Equal(t, 1, f.rec.count("done"))
}

func TestTimeoutBoundsCalculation(t *testing.T) {
	f := newFixture(t, Config{Timeout: 20 * time.Millisecond})
	f.gateway.block = true

	start := time.Now()
	err := f.machine.Start(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, platform.IsError(err))

	snap := f.machine.Snapshot()
	assert.Equal(t, Calculating, snap.State)
	assert.True(t, snap.InputEnabled)
}

func TestTimeoutBoundsSigning(t *testing.T) {
	f := newFixture(t, Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, f.machine.Start(context.Background()))
	f.signer.entered = make(chan struct{})
	f.signer.release = make(chan struct{})

	err := f.machine.Accept(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Calculated, f.machine.Snapshot().State)
	assert.Equal(t, 0, f.rec.count("apply"))
}

func TestCompletedIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.machine.Start(context.Background()))
	require.NoError(t, f.machine.Accept(context.Background()))

	assert.ErrorIs(t, f.machine.Accept(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, f.machine.Decline(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, f.machine.Retry(context.Background()), ErrInvalidState)
	assert.Equal(t, 1, f.rec.count("done"))
}

func TestCompletionErrorSurfaced(t *testing.T) {
	rec := &recorder{}
	m := New(Config{}, Deps{
		Gateway: &fakeGateway{rec: rec},
		Signer:  &fakeSigner{rec: rec},
		Done:    func(context.Context) error { return errors.New("navigation failed") },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, extension.PurchaseContext{ReferenceID: "abc"}, offer.DemoOffers()[0])
	require.NoError(t, m.Start(context.Background()))

	err := m.Decline(context.Background())
	require.Error(t, err)
	assert.Equal(t, Completed, m.Snapshot().State)
}

func TestStart_InvalidOffer(t *testing.T) {
	rec := &recorder{}
	bad := offer.DemoOffers()[0]
	bad.Changes = nil
	m := New(Config{}, Deps{
		Gateway: &fakeGateway{rec: rec},
		Signer:  &fakeSigner{rec: rec},
		Done:    func(context.Context) error { return nil },
	}, extension.PurchaseContext{}, bad)

	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, Loading, m.Snapshot().State)
	assert.Empty(t, rec.sequence())
}

func TestNew_PanicsWithoutCollaborators(t *testing.T) {
	assert.Panics(t, func() {
		New(Config{}, Deps{}, extension.PurchaseContext{}, offer.DemoOffers()[0])
	})
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "calculated", Calculated.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "declined", OutcomeDeclined.String())
}
