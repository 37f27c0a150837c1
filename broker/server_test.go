package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/networkmap"
	"github.com/glimte/p2pmq/security"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceName = "O=Alice Corp, L=Madrid, C=ES"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(aliceName, t.TempDir())
	cfg.Users = []config.User{{Username: "rpcuser", Password: "pw", Permissions: []string{"ALL"}}}
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, options ...Option) *Server {
	t.Helper()
	s, err := New(cfg, nil, networkmap.NewCache(), options...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func bindable(t *testing.T, addr contracts.NetworkHostAndPort) bool {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func TestServerPorts(t *testing.T) {
	t.Run("Starting on a bound port fails and the port is free after stop", func(t *testing.T) {
		first := startServer(t, testConfig(t))
		assert.True(t, first.Running())

		cfg := testConfig(t)
		cfg.P2P = first.P2PAddress()
		second, err := New(cfg, nil, nil)
		require.NoError(t, err)

		err = second.Start(context.Background())
		var inUse *contracts.PortInUseError
		require.ErrorAs(t, err, &inUse)
		assert.Equal(t, first.P2PAddress().Port, inUse.Address.Port)
		assert.ErrorIs(t, err, contracts.ErrPortInUse)
		second.Stop()

		p2p, rpc := first.P2PAddress(), first.RPCAddress()
		assert.False(t, bindable(t, p2p))
		assert.False(t, bindable(t, rpc))

		first.Stop()
		assert.False(t, first.Running())
		assert.True(t, bindable(t, p2p))
		assert.True(t, bindable(t, rpc))
	})

	t.Run("Starting on a port held by another listener fails", func(t *testing.T) {
		ln, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := testConfig(t)
		cfg.RPC.Address = contracts.NetworkHostAndPort{Host: "localhost", Port: ln.Addr().(*net.TCPAddr).Port}
		s, err := New(cfg, nil, nil)
		require.NoError(t, err)
		defer s.Stop()

		assert.ErrorIs(t, s.Start(context.Background()), contracts.ErrPortInUse)
		assert.False(t, s.Running())
	})

	t.Run("Port 0 picks two distinct free ports", func(t *testing.T) {
		s := startServer(t, testConfig(t))
		assert.NotZero(t, s.P2PAddress().Port)
		assert.NotZero(t, s.RPCAddress().Port)
		assert.NotEqual(t, s.P2PAddress().Port, s.RPCAddress().Port)
		assert.Equal(t, "nats://"+s.P2PAddress().String(), s.ClientURL())
	})

	t.Run("A fixed free port is honoured", func(t *testing.T) {
		port, err := FreePort("localhost")
		require.NoError(t, err)
		cfg := testConfig(t)
		cfg.P2P.Port = port
		s := startServer(t, cfg)
		assert.Equal(t, port, s.P2PAddress().Port)
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Run("Stop is safe before start and idempotent", func(t *testing.T) {
		s, err := New(testConfig(t), nil, nil)
		require.NoError(t, err)
		s.Stop()
		s.Stop()
		assert.ErrorIs(t, s.Start(context.Background()), ErrServerStopped)
		assert.Equal(t, 0, s.NumClients())
	})

	t.Run("Second start is rejected", func(t *testing.T) {
		s := startServer(t, testConfig(t))
		assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("Cancelled context aborts a start", func(t *testing.T) {
		s, err := New(testConfig(t), nil, nil)
		require.NoError(t, err)
		defer s.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = s.Start(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	})
}

func TestServerAuthentication(t *testing.T) {
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)

	cfg := testConfig(t)
	sec, err := security.NewManager(cfg.Users, nil, security.WithNodeIdentity(aliceName, pub))
	require.NoError(t, err)
	s, err := New(cfg, sec, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	t.Run("Node identity key connects on the P2P port", func(t *testing.T) {
		nc, err := nats.Connect(s.ClientURL(), nats.Nkey(pub, kp.Sign), nats.Timeout(2*time.Second))
		require.NoError(t, err)
		defer nc.Close()
		assert.Eventually(t, func() bool { return s.NumClients() >= 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("Anonymous connection is refused", func(t *testing.T) {
		_, err := nats.Connect(s.ClientURL(), nats.Timeout(2*time.Second))
		assert.ErrorIs(t, err, nats.ErrAuthorization)
	})

	t.Run("RPC user connects over websocket", func(t *testing.T) {
		nc, err := nats.Connect(s.RPCURL(), nats.UserInfo("rpcuser", "pw"), nats.Timeout(2*time.Second))
		require.NoError(t, err)
		nc.Close()
	})

	t.Run("RPC user with a wrong password is refused", func(t *testing.T) {
		before := s.NumClients()
		_, err := nats.Connect(s.RPCURL(), nats.UserInfo("rpcuser", "nope"), nats.Timeout(2*time.Second))
		require.Error(t, err)
		// websocket clients see the socket close rather than the -ERR line
		assert.True(t, errors.Is(err, nats.ErrAuthorization) || errors.Is(err, io.EOF), "unexpected error: %v", err)
		assert.Equal(t, before, s.NumClients())
	})
}

func TestStartFailure(t *testing.T) {
	p2p := contracts.NetworkHostAndPort{Host: "localhost", Port: 10002}
	rpc := contracts.NetworkHostAndPort{Host: "localhost", Port: 10003}

	t.Run("A held client port is reported on the P2P address", func(t *testing.T) {
		err := startFailure([]string{`Error listening on port: localhost:10002, "listen tcp 127.0.0.1:10002: bind: address already in use"`}, p2p, rpc)
		var inUse *contracts.PortInUseError
		require.ErrorAs(t, err, &inUse)
		assert.Equal(t, p2p, inUse.Address)
	})

	t.Run("A held websocket port is reported on the RPC address", func(t *testing.T) {
		err := startFailure([]string{"Unable to listen for websocket connections: listen tcp 127.0.0.1:10003: bind: address already in use"}, p2p, rpc)
		var inUse *contracts.PortInUseError
		require.ErrorAs(t, err, &inUse)
		assert.Equal(t, rpc, inUse.Address)
	})

	t.Run("Other listener errors are not port conflicts", func(t *testing.T) {
		err := startFailure([]string{"websocket listener error: tls: failed to find any PEM data"}, p2p, rpc)
		require.Error(t, err)
		assert.NotErrorIs(t, err, contracts.ErrPortInUse)

		err = startFailure([]string{"Error listening on port: localhost:10002, \"listen tcp: lookup nohost: no such host\""}, p2p, rpc)
		assert.NotErrorIs(t, err, contracts.ErrPortInUse)
	})
}
