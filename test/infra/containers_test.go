package infra

import "testing"

func TestReuseDSN_IgnoresProductionDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://prod.example.com/catalog")
	t.Setenv(DSNEnv, "")

	if dsn := reuseDSN(""); dsn != "" {
		t.Fatalf("reused %q, want a fresh container", dsn)
	}
}

func TestReuseDSN_Precedence(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://prod.example.com/catalog")
	t.Setenv(DSNEnv, "postgres://localhost/scratch")

	if dsn := reuseDSN(""); dsn != "postgres://localhost/scratch" {
		t.Fatalf("dsn = %q", dsn)
	}
	if dsn := reuseDSN("postgres://localhost/explicit"); dsn != "postgres://localhost/explicit" {
		t.Fatalf("explicit dsn = %q", dsn)
	}
}
