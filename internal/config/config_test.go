package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADMESH_ADMIN_TOKEN", "correct-horse-battery-staple")
	t.Setenv("ADMESH_CHAIN_RPC_URL", "http://127.0.0.1:9332")
}

func TestFromEnv_Defaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PeerBind != "0.0.0.0:7313" || cfg.APIBind != "127.0.0.1:8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.NodeID == "" {
		t.Fatal("node id not generated")
	}
	if cfg.Provider {
		t.Fatal("provider should default to false")
	}
}

func TestFromEnv_RejectsWeakAdminToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMESH_ADMIN_TOKEN", "password1")
	if _, err := FromEnv(); err == nil {
		t.Fatal("weak admin token accepted")
	}
}

func TestFromEnv_RejectsMalformedNodeID(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMESH_NODE_ID", "not-a-guid")
	if _, err := FromEnv(); err == nil {
		t.Fatal("malformed node id accepted")
	}
}

func TestFromEnv_ParsesOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMESH_PROVIDER", "true")
	t.Setenv("ADMESH_PEER_PORT", "9000")
	t.Setenv("ADMESH_THROTTLE_WINDOW", "12h")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Provider || cfg.AdvertisePort != 9000 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ThrottleWindow.Std() != 12*time.Hour {
		t.Fatalf("throttle window = %v, want 12h", cfg.ThrottleWindow.Std())
	}
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	content := []byte("peers:\n  - address: 10.0.0.1\n    port: 7313\n    provider: true\n  - address: 10.0.0.2\n    port: 7313\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	peers, err := LoadSeeds(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || !peers[0].Provider || peers[1].Address != "10.0.0.2" {
		t.Fatalf("unexpected seeds: %+v", peers)
	}
}

func TestLoadSeeds_MissingFileIsEmpty(t *testing.T) {
	peers, err := LoadSeeds(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if peers != nil {
		t.Fatalf("expected nil seeds, got %+v", peers)
	}
}

func TestLoadSeeds_RejectsIncompletePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	if err := os.WriteFile(path, []byte("peers:\n  - port: 7313\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeeds(path); err == nil {
		t.Fatal("incomplete seed peer accepted")
	}
}
