package oracles

import (
	"fmt"
	"sync"

	"upsellflow/changeset"
	"upsellflow/offer"
)

// Violation is a protocol invariant broken during a stress run.
type Violation struct {
	Oracle string
	Detail string
}

// Ledger records what the simulated platform observed so the protocol oracles can be
// checked while actors are still running.
type Ledger struct {
	mu          sync.Mutex
	versions    map[string]int64 // changes digest -> offer id
	applied     map[string]string
	perPurchase map[string]int
	completions map[string]int
	violations  []Violation

	applyCount     int
	declineCount   int
	rejectCount    int
	transientCount int
}

func NewLedger() *Ledger {
	return &Ledger{
		versions:    make(map[string]int64),
		applied:     make(map[string]string),
		perPurchase: make(map[string]int),
		completions: make(map[string]int),
	}
}

// RecordCatalog registers a version of an offer's changes before it becomes readable.
func (l *Ledger) RecordCatalog(offerID int64, changes []offer.Change) error {
	digest, err := changeset.ChangesDigest(changes)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[digest] = offerID
	return nil
}

// Apply checks an assertion the platform is about to apply for reference. It returns an
// error when the platform must refuse it.
func (l *Ledger) Apply(reference string, claims changeset.AssertionClaims) error {
	digest, err := changeset.ChangesDigest(claims.Changes)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, seen := l.applied[claims.ID]; seen {
		l.violate("P1_nonce_unique", fmt.Sprintf("jti %s replayed (first for %s, now %s)", claims.ID, prev, reference))
		return fmt.Errorf("assertion %s already applied", claims.ID)
	}
	if claims.Subject != reference {
		l.violate("P2_subject_binding", fmt.Sprintf("sub %q applied to purchase %q", claims.Subject, reference))
		return fmt.Errorf("assertion subject mismatch")
	}
	if _, ok := l.versions[digest]; !ok {
		l.violate("P3_changes_from_catalog", fmt.Sprintf("jti %s carries changes %s never written to the catalog", claims.ID, digest))
		return fmt.Errorf("unknown changes")
	}

	l.applied[claims.ID] = reference
	l.perPurchase[reference]++
	if l.perPurchase[reference] > 1 {
		l.violate("P4_single_apply_per_purchase", fmt.Sprintf("purchase %s applied %d times", reference, l.perPurchase[reference]))
	}
	l.applyCount++
	return nil
}

// Complete records that a purchase handed control back to the platform.
func (l *Ledger) Complete(reference string, declined bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completions[reference]++
	if l.completions[reference] > 1 {
		l.violate("P5_completion_once", fmt.Sprintf("purchase %s completed %d times", reference, l.completions[reference]))
	}
	if declined {
		l.declineCount++
	}
}

// ForgeryAccepted records a forged session token that got through.
func (l *Ledger) ForgeryAccepted(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violate("P6_forgery_rejected", "forged token accepted: "+kind)
}

func (l *Ledger) ForgeryRejected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectCount++
}

// TransientFailure counts an error caused by injected chaos.
func (l *Ledger) TransientFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transientCount++
}

// First returns the first violation, if any.
func (l *Ledger) First() (Violation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.violations) == 0 {
		return Violation{}, false
	}
	return l.violations[0], true
}

// Stats returns a summary line for the test log.
func (l *Ledger) Stats() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("applied=%d declined=%d forgeries_rejected=%d transient=%d catalog_versions=%d",
		l.applyCount, l.declineCount, l.rejectCount, l.transientCount, len(l.versions))
}

func (l *Ledger) violate(oracle, detail string) {
	l.violations = append(l.violations, Violation{Oracle: oracle, Detail: detail})
}

// AppliedCount returns how many assertions were applied.
func (l *Ledger) AppliedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyCount
}
