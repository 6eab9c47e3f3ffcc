package test

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"golang.org/x/sync/errgroup"

	"upsellflow/auth"
	"upsellflow/changeset"
	"upsellflow/offer"
	"upsellflow/test/actors"
	"upsellflow/test/chaos"
	"upsellflow/test/infra"
	"upsellflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 10*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent shoppers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
)

func TestUpsellProtocolUnderStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	if os.Getenv(infra.DSNEnv) == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx)
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer h.Close(context.Background())
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	secret := []byte("stress-shared-secret")
	ledger := oracles.NewLedger()
	repo := offer.NewRepository(h.Pool())
	for id := int64(1); id <= 3; id++ {
		o := actors.StressOffer(id)
		if err := ledger.RecordCatalog(o.ID, o.Changes); err != nil {
			t.Fatalf("record catalog: %v", err)
		}
		if err := repo.Upsert(ctx, o, int(id)); err != nil {
			t.Fatalf("seed offer %d: %v", id, err)
		}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := offer.NewCatalog(repo, offer.AllOffers())
	env := &actors.Env{
		Secret:   secret,
		Verifier: auth.NewVerifier(secret),
		Catalog:  catalog,
		Signer: changeset.NewSigner(changeset.SignerConfig{
			Issuer:      "stress-api-key",
			Secret:      secret,
			BindSubject: true,
		}, catalog, changeset.WithLogger(quiet)),
		Ledger: ledger,
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Shopper(ctx2, env, i, seed+int64(i), stop) })
	}
	g.Go(func() error { return actors.Forger(ctx2, env, seed-1, stop) })
	g.Go(func() error { return actors.Merchandiser(ctx2, env, repo, seed-2, stop) })
	go chaos.TerminateRandomBackend(ctx2, h.Pool(), seed-3, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			if v, ok := ledger.First(); ok {
				failed = true
				t.Errorf("oracle %s failed: %s (seed=%d)", v.Oracle, v.Detail, seed)
				break loop
			}
			name, row, err := oracles.Run(ctx2, h.Pool())
			if err != nil {
				t.Logf("catalog oracle skipped: %v", err)
				continue
			}
			if name != "" {
				failed = true
				t.Errorf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if v, ok := ledger.First(); ok && !failed {
		t.Fatalf("oracle %s failed: %s (seed=%d)", v.Oracle, v.Detail, seed)
	}
	if ledger.AppliedCount() == 0 && !failed {
		t.Fatalf("no assertion was applied during the run: %s", ledger.Stats())
	}
	t.Logf("stress summary: %s (seed=%d)", ledger.Stats(), seed)
}
