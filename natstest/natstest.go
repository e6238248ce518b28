// Package natstest runs an embedded NATS server with JetStream for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// TestClient bundles an embedded server with a connected client.
type TestClient struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     jetstream.JetStream
}

// NewTestClient starts a JetStream-enabled server on a random port with its
// store in a temp dir. Everything is torn down via t.Cleanup.
func NewTestClient(t testing.TB) *TestClient {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded NATS: %v", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		t.Fatalf("create JetStream context: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return &TestClient{Server: ns, Conn: conn, JS: js}
}
