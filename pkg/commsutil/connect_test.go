package commsutil

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnectOpts_Defaults(t *testing.T) {
	got := ConnectOpts{}.withDefaults()
	if got.Timeout != 10*time.Second || got.ReconnectWait != 2*time.Second || got.MaxReconnects != 60 {
		t.Errorf("%s - defaults = %+v", connectTestPrefix, got)
	}

	custom := ConnectOpts{Timeout: time.Second, ReconnectWait: time.Millisecond, MaxReconnects: -1}.withDefaults()
	if custom.Timeout != time.Second || custom.ReconnectWait != time.Millisecond || custom.MaxReconnects != -1 {
		t.Errorf("%s - explicit values must be kept, got %+v", connectTestPrefix, custom)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "hostbridge-test")
	if err == nil {
		nc.Close()
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnect_InProcessServer(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   14240,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", connectTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", connectTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	nc, err := Connect(ns.ClientURL(), "hostbridge-test", ConnectOpts{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", connectTestPrefix, err)
	}
	defer nc.Close()

	if !nc.IsConnected() {
		t.Errorf("%s - expected a live connection", connectTestPrefix)
	}
	if nc.Opts.Name != "hostbridge-test" {
		t.Errorf("%s - client name = %q", connectTestPrefix, nc.Opts.Name)
	}
}
