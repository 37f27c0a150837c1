package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	t.Run("NewMessage copies the payload", func(t *testing.T) {
		data := []byte("first msg")
		msg := NewMessage("platform.self", data, 7, 1)
		data[0] = 'X'

		assert.Equal(t, []byte("first msg"), msg.Data())
		assert.Equal(t, "platform.self", msg.Topic())
		assert.Equal(t, 7, msg.PlatformVersion())
		assert.Equal(t, uint64(1), msg.Sequence())
		assert.NotEmpty(t, msg.UniqueID())
		assert.False(t, msg.SentAt().IsZero())
	})

	t.Run("Data returns a copy the caller may modify", func(t *testing.T) {
		msg := NewMessage("t", []byte("abc"), 1, 1)
		out := msg.Data()
		out[0] = 'z'
		assert.Equal(t, []byte("abc"), msg.Data())
	})

	t.Run("Messages get distinct IDs", func(t *testing.T) {
		a := NewMessage("t", nil, 1, 1)
		b := NewMessage("t", nil, 1, 2)
		assert.NotEqual(t, a.UniqueID(), b.UniqueID())
	})
}

func TestEnvelope(t *testing.T) {
	sender := Address{
		LegalName:   "O=Alice Corp, L=Madrid, C=ES",
		HostAndPort: NetworkHostAndPort{Host: "localhost", Port: 30000},
	}

	t.Run("Round trip keeps payload bytes and version", func(t *testing.T) {
		payload := []byte{0x00, 0xff, 0x10, 'a'}
		msg := NewMessage("platform.self", payload, 9, 3)

		body, err := NewEnvelope(msg, sender).Marshal()
		require.NoError(t, err)

		env, err := UnmarshalEnvelope(body)
		require.NoError(t, err)

		received := env.Received(1)
		assert.Equal(t, payload, received.Data())
		assert.Equal(t, 9, received.PlatformVersion())
		assert.Equal(t, msg.UniqueID(), received.UniqueID())
		assert.Equal(t, sender.LegalName, received.Sender)
		assert.Equal(t, sender.HostAndPort, received.SenderAddress)
		assert.Equal(t, 1, received.DeliveryAttempt)
	})

	t.Run("Rejects envelopes without id or topic", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{"topic":"x"}`))
		assert.Error(t, err)

		_, err = UnmarshalEnvelope([]byte(`{"id":"1"}`))
		assert.Error(t, err)

		_, err = UnmarshalEnvelope([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestMaxMessageSizeLimit(t *testing.T) {
	assert.Equal(t, MaxEnvelopeLimit, MaxEnvelopeSize(MaxMessageSizeLimit))
	assert.Greater(t, MaxEnvelopeSize(MaxMessageSizeLimit+1), MaxEnvelopeLimit)
}

func TestNetworkHostAndPort(t *testing.T) {
	t.Run("Parses host and port", func(t *testing.T) {
		hp, err := ParseNetworkHostAndPort("localhost:30000")
		require.NoError(t, err)
		assert.Equal(t, NetworkHostAndPort{Host: "localhost", Port: 30000}, hp)
		assert.Equal(t, "localhost:30000", hp.String())
	})

	t.Run("Rejects malformed input", func(t *testing.T) {
		for _, in := range []string{"localhost", ":80", "host:abc", "host:70000"} {
			_, err := ParseNetworkHostAndPort(in)
			assert.Error(t, err, in)
		}
	})

	t.Run("Text round trip", func(t *testing.T) {
		var hp NetworkHostAndPort
		require.NoError(t, hp.UnmarshalText([]byte("127.0.0.1:1234")))
		text, err := hp.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1234", string(text))
	})
}

func TestLegalName(t *testing.T) {
	t.Run("Accepts a complete name", func(t *testing.T) {
		assert.NoError(t, ValidateLegalName("O=Alice Corp, L=Madrid, C=ES"))
	})

	t.Run("Rejects incomplete names", func(t *testing.T) {
		assert.Error(t, ValidateLegalName(""))
		assert.Error(t, ValidateLegalName("O=Alice Corp, L=Madrid"))
		assert.Error(t, ValidateLegalName("O=Alice Corp, L=Madrid, C=Spain"))
		assert.Error(t, ValidateLegalName("O=Alice Corp, O=Bob, L=Madrid, C=ES"))
		assert.Error(t, ValidateLegalName("Alice"))
	})

	t.Run("Token ignores attribute spacing", func(t *testing.T) {
		a := NameToken("O=Alice Corp, L=Madrid, C=ES")
		b := NameToken("O=Alice Corp,L=Madrid,C=ES")
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, NameToken("O=Bob Plc, L=Rome, C=IT"))
		assert.Regexp(t, "^[0-9a-f]+$", a)
		assert.Equal(t, "p2p.inbound."+a, InboxName("O=Alice Corp, L=Madrid, C=ES"))
	})
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("boom")

	t.Run("Typed errors match their sentinels through wrapping", func(t *testing.T) {
		cases := []struct {
			err      error
			sentinel error
		}{
			{&PortInUseError{Err: cause}, ErrPortInUse},
			{&ConnectionError{Op: "connect", Err: cause}, ErrConnection},
			{&AuthenticationError{Username: "u"}, ErrAuthentication},
			{&AuthorizationError{Username: "u", Permission: "InvokeRpc.nodeInfo"}, ErrAuthorization},
			{&MessageTooLargeError{Topic: "t", Size: 10, Max: 5}, ErrMessageTooLarge},
		}
		for _, tc := range cases {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
		}
	})

	t.Run("Connection errors surface their cause", func(t *testing.T) {
		err := &ConnectionError{Op: "connect", Err: cause}
		assert.ErrorIs(t, err, cause)
		var connErr *ConnectionError
		assert.True(t, errors.As(fmt.Errorf("x: %w", err), &connErr))
	})

	t.Run("Authentication failures read like the shell", func(t *testing.T) {
		err := &AuthenticationError{Username: "bob"}
		assert.Contains(t, err.Error(), "Auth fail")
	})
}
