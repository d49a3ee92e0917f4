package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

func TestConnectNATS(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		Host:     "127.0.0.1",
		Port:     -1,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: filepath.Join(t.TempDir(), "nats"),
	})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	defer ns.Shutdown()

	cfg := config.NATSConfig{URL: ns.ClientURL(), MaxReconnects: 1, ReconnectWait: config.Duration(time.Second)}
	nc, err := connectNATS(cfg, "host-a", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	if nc.Opts.Name != "block-worker-host-a" {
		t.Fatalf("connection name = %q", nc.Opts.Name)
	}
}

func TestNATSAuthOptions(t *testing.T) {
	opts, err := natsAuthOptions(config.NATSConfig{})
	if err != nil || len(opts) != 0 {
		t.Fatalf("empty config: %d options, err=%v", len(opts), err)
	}

	opts, err = natsAuthOptions(config.NATSConfig{
		CredentialsFile: "/etc/nats/worker.creds",
		TLS:             config.TLSConfig{CAFile: "ca.pem", CertFile: "cert.pem", KeyFile: "key.pem"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 3 {
		t.Fatalf("got %d options, want 3", len(opts))
	}

	if _, err := natsAuthOptions(config.NATSConfig{NKeySeedFile: filepath.Join(t.TempDir(), "missing.nk")}); err == nil {
		t.Fatal("expected error for missing nkey seed")
	}
}

func TestConnectNATS_Unreachable(t *testing.T) {
	if _, err := connectNATS(config.NATSConfig{URL: "nats://127.0.0.1:1"}, "host-a", zap.NewNop()); err == nil {
		t.Fatal("expected connection error")
	}
}
