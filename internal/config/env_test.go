package config

import "testing"

func TestEnvOverride_AppliesAddrAndPort(t *testing.T) {
	t.Setenv("FEL_MASTER_ADDR", "10.1.2.3")
	t.Setenv("FEL_MASTER_PORT", "17000")

	cfg := Default()
	if err := EnvOverride(cfg); err != nil {
		t.Fatalf("EnvOverride: %v", err)
	}
	if cfg.Master.Addr != "10.1.2.3" {
		t.Errorf("master.addr = %q, want 10.1.2.3", cfg.Master.Addr)
	}
	if cfg.Master.Port != 17000 {
		t.Errorf("master.port = %d, want 17000", cfg.Master.Port)
	}
}

func TestEnvOverride_LeavesDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	want := *cfg

	if err := EnvOverride(cfg); err != nil {
		t.Fatalf("EnvOverride: %v", err)
	}
	if *cfg != want {
		t.Fatalf("EnvOverride modified config with no env vars set: got %+v, want %+v", *cfg, want)
	}
}

func TestEnvOverride_RejectsNonNumericPort(t *testing.T) {
	t.Setenv("FEL_MASTER_PORT", "not-a-port")

	cfg := Default()
	if err := EnvOverride(cfg); err == nil {
		t.Fatal("expected error for non-numeric FEL_MASTER_PORT")
	}
}
