// Package negotiation drives a single post-purchase offer from calculation to
// acceptance or decline.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"upsellflow/extension"
	"upsellflow/offer"
	"upsellflow/platform"
)

// DefaultTimeout bounds each network leg when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

var (
	// ErrInputDisabled is returned when an action arrives while another is in flight.
	ErrInputDisabled  = errors.New("negotiation: input disabled")
	// ErrInvalidState is returned for an action the current state does not allow.
	ErrInvalidState   = errors.New("negotiation: action not allowed in current state")
	// ErrApplyUncertain is returned by Accept after an apply failed with unknown outcome.
	ErrApplyUncertain = errors.New("negotiation: changeset may already be applied, only decline is allowed")
)

// State is the negotiation's position in the offer flow.
type State int

const (
	Loading State = iota
	OfferPresented
	Calculating
	Calculated
	Accepting
	Declining
	Completed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case OfferPresented:
		return "offer_presented"
	case Calculating:
		return "calculating"
	case Calculated:
		return "calculated"
	case Accepting:
		return "accepting"
	case Declining:
		return "declining"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome records how a completed negotiation ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAccepted
	OutcomeDeclined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeclined:
		return "declined"
	default:
		return "none"
	}
}

// AssertionSigner obtains a signed changeset from the merchant backend.
// *extension.Client satisfies it.
type AssertionSigner interface {
	SignChangeset(ctx context.Context, req extension.SignRequest) (string, error)
}

// Completion hands control back to the platform's post-purchase flow.
type Completion func(ctx context.Context) error

// Config tunes a Machine.
type Config struct {
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Deps are the machine's collaborators. Logger is optional.
type Deps struct {
	Gateway platform.Gateway
	Signer  AssertionSigner
	Done    Completion
	Logger  *slog.Logger
}

// Snapshot is a consistent view of the machine for rendering.
type Snapshot struct {
	State        State
	Calculated   *platform.CalculatedPurchase
	Err          error
	InputEnabled bool
	Outcome      Outcome
}

// Machine sequences calculate, sign and apply for one purchase. Network calls run
// without holding the lock; input stays disabled while one is outstanding.
type Machine struct {
	cfg      Config
	deps     Deps
	purchase extension.PurchaseContext
	offer    offer.Offer

	mu             sync.Mutex
	state          State
	calculated     *platform.CalculatedPurchase
	err            error
	inputEnabled   bool
	applyUncertain bool
	outcome        Outcome
	observers      []func(Snapshot)
}

// New creates a machine in the Loading state for a prefetched offer.
func New(cfg Config, deps Deps, purchase extension.PurchaseContext, o offer.Offer) *Machine {
	if deps.Gateway == nil || deps.Signer == nil || deps.Done == nil {
		panic("negotiation.New: gateway, signer and completion are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Machine{
		cfg:      cfg,
		deps:     deps,
		purchase: purchase,
		offer:    o.Clone(),
		state:    Loading,
	}
}

// OnChange registers an observer called after every transition.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Offer returns the offer under negotiation.
func (m *Machine) Offer() offer.Offer {
	return m.offer.Clone()
}

// Start presents the offer and requests calculated totals from the platform.
// A calculation failure leaves the machine in Calculating with the error set.
func (m *Machine) Start(ctx context.Context) error {
	if err := m.offer.Validate(); err != nil {
		return fmt.Errorf("negotiation: start: %w", err)
	}
	err := m.update(func() error {
		if m.state != Loading {
			return ErrInvalidState
		}
		m.state = OfferPresented
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.update(func() error {
		m.state = Calculating
		m.inputEnabled = false
		return nil
	}); err != nil {
		return err
	}
	return m.calculate(ctx)
}

// Retry re-issues a failed calculation.
func (m *Machine) Retry(ctx context.Context) error {
	err := m.update(func() error {
		if m.state != Calculating || m.err == nil {
			return m.refusal()
		}
		if !m.inputEnabled {
			return ErrInputDisabled
		}
		m.err = nil
		m.inputEnabled = false
		return nil
	})
	if err != nil {
		return err
	}
	return m.calculate(ctx)
}

func (m *Machine) calculate(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	result, err := m.deps.Gateway.CalculateChangeset(cctx, offer.CloneChanges(m.offer.Changes))
	cancel()
	err = platform.Wrap(platform.OpCalculate, err)

	if err != nil {
		m.deps.Logger.Warn("calculate changeset failed",
			"reference_id", m.purchase.ReferenceID,
			"offer_id", m.offer.ID,
			"error", err,
		)
	}

	_ = m.update(func() error {
		if err != nil {
			m.err = err
		} else {
			m.calculated = &result
			m.err = nil
			m.state = Calculated
		}
		m.inputEnabled = true
		return nil
	})
	return err
}

// Accept signs the offer with the backend and submits the assertion to the platform.
// A failed apply is never retried; afterwards only Decline is accepted.
func (m *Machine) Accept(ctx context.Context) error {
	err := m.update(func() error {
		if m.state != Calculated {
			return m.refusal()
		}
		if !m.inputEnabled {
			return ErrInputDisabled
		}
		if m.applyUncertain {
			return ErrApplyUncertain
		}
		m.state = Accepting
		m.inputEnabled = false
		m.err = nil
		return nil
	})
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	token, err := m.deps.Signer.SignChangeset(sctx, extension.SignRequest{
		ReferenceID: m.purchase.ReferenceID,
		OfferID:     m.offer.ID,
		Token:       m.purchase.Token,
	})
	cancel()
	if err != nil {
		m.deps.Logger.Warn("sign changeset failed",
			"reference_id", m.purchase.ReferenceID,
			"offer_id", m.offer.ID,
			"error", err,
		)
		m.fail(err, false)
		return err
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	err = platform.Wrap(platform.OpApply, m.deps.Gateway.ApplyChangeset(actx, token))
	cancel()
	if err != nil {
		m.deps.Logger.Error("apply changeset failed",
			"reference_id", m.purchase.ReferenceID,
			"offer_id", m.offer.ID,
			"error", err,
		)
		m.fail(err, true)
		return err
	}

	return m.complete(ctx, OutcomeAccepted)
}

// Decline ends the negotiation without contacting the backend or applying anything.
func (m *Machine) Decline(ctx context.Context) error {
	err := m.update(func() error {
		calculated := m.state == Calculated
		failedCalc := m.state == Calculating && m.err != nil
		if !calculated && !failedCalc {
			return m.refusal()
		}
		if !m.inputEnabled {
			return ErrInputDisabled
		}
		m.state = Declining
		m.inputEnabled = false
		return nil
	})
	if err != nil {
		return err
	}
	return m.complete(ctx, OutcomeDeclined)
}

func (m *Machine) fail(err error, uncertain bool) {
	_ = m.update(func() error {
		m.state = Calculated
		m.err = err
		m.inputEnabled = true
		if uncertain {
			m.applyUncertain = true
		}
		return nil
	})
}

func (m *Machine) complete(ctx context.Context, outcome Outcome) error {
	_ = m.update(func() error {
		m.state = Completed
		m.outcome = outcome
		m.inputEnabled = false
		return nil
	})
	if err := m.deps.Done(ctx); err != nil {
		return fmt.Errorf("negotiation: completion: %w", err)
	}
	return nil
}

// refusal classifies an action attempted in the wrong state. Caller holds mu.
func (m *Machine) refusal() error {
	switch m.state {
	case Accepting, Declining:
		return ErrInputDisabled
	case Calculating:
		if m.err == nil {
			return ErrInputDisabled
		}
	}
	return ErrInvalidState
}

// update applies fn under the lock and notifies observers when it succeeds.
func (m *Machine) update(fn func() error) error {
	m.mu.Lock()
	if err := fn(); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := m.snapshotLocked()
	observers := append([]func(Snapshot){}, m.observers...)
	m.mu.Unlock()

	for _, observe := range observers {
		observe(snap)
	}
	return nil
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        m.state,
		Err:          m.err,
		InputEnabled: m.inputEnabled,
		Outcome:      m.outcome,
	}
	if m.calculated != nil {
		cp := *m.calculated
		cp.Lines = append([]platform.PricedLine(nil), m.calculated.Lines...)
		snap.Calculated = &cp
	}
	return snap
}
