package email

import (
	"crypto/tls"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ptgott/smtpmail/smtptest"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer launches an in-process STARTTLS submission server and returns
// it along with a client Config pointed at it.
func startServer(t *testing.T) (*smtptest.InProcessServer, Config) {
	t.Helper()

	serverTLS, clientTLS, err := smtptest.GenerateTLSConfigs()
	require.NoError(t, err)

	srv, err := smtptest.NewInProcessServer(serverTLS)
	require.NoError(t, err)

	return srv, clientConfig(t, srv, clientTLS)
}

func clientConfig(t *testing.T, srv *smtptest.InProcessServer, clientTLS *tls.Config) Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Config{
		Host:      host,
		Port:      port,
		Username:  "myuser",
		Password:  "mypassword",
		Timeout:   5 * time.Second,
		TLSConfig: clientTLS,
	}
}

// testMessage builds a minimal sendable message.
func testMessage(t *testing.T) *Message {
	t.Helper()
	b := NewBuilder()
	require.NoError(t, b.SetSender("me@example.com"))
	require.NoError(t, b.To("a@x.com"))
	require.NoError(t, b.SetSubject("Hi"))
	b.SetBody("hello", "")
	msg, err := b.Build()
	require.NoError(t, err)
	return msg
}

func TestSendNotConnected(t *testing.T) {
	c, err := NewClient(Config{Username: "myuser", Password: "mypassword"})
	require.NoError(t, err)

	msg := testMessage(t)
	before := string(msg.Bytes())

	_, err = c.Send(msg)
	assert.ErrorIs(t, err, ErrNotConnected)

	// A refused send must not have touched the message.
	assert.Equal(t, before, string(msg.Bytes()))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectAndSend(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)

	b := NewBuilder()
	require.NoError(t, b.SetSender("me@example.com"))
	require.NoError(t, b.SetRecipients(
		[]string{"to@example.com"},
		[]string{"cc@example.com"},
		[]string{"hidden@example.com"},
	))
	require.NoError(t, b.SetSubject("Hi"))
	b.SetBody("hello", "<p>hello</p>")
	msg, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect())
	assert.Equal(t, StateAuthenticated, c.State())

	report, err := c.Send(msg)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{"to@example.com", "cc@example.com", "hidden@example.com"},
		report.Accepted,
	)
	assert.Empty(t, report.Rejected)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	deliveries := srv.Deliveries()
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.Equal(t, "me@example.com", d.From)

	// The BCC recipient travels in the envelope but never in the
	// payload's headers.
	assert.Contains(t, d.Recipients, "hidden@example.com")
	assert.NotContains(t, d.Data, "hidden@example.com")
	assert.Contains(t, d.Data, "Subject: Hi")
	assert.Contains(t, d.Data, "hello")
}

func TestConnectIdempotent(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect())
	// A second Connect on an authenticated client is a documented no-op.
	require.NoError(t, c.Connect())
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)

	// Disconnecting a client that never connected is fine too.
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect())
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestMultipleSendsPerSession(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect())

	// SMTP supports multiple transactions per connection, so the session
	// stays open between sends.
	for i := 0; i < 2; i++ {
		_, err := c.Send(testMessage(t))
		require.NoError(t, err)
		assert.Equal(t, StateAuthenticated, c.State())
	}

	assert.Len(t, srv.Deliveries(), 2)
}

func TestDialAndSend(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)

	report, err := c.DialAndSend(testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, report.Accepted)

	// The transport is released on the way out.
	assert.Equal(t, StateDisconnected, c.State())
	assert.Len(t, srv.Deliveries(), 1)
}

func rejectAddress(addr string) func(string) error {
	return func(to string) error {
		if to == addr {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
				Message:      "no such user",
			}
		}
		return nil
	}
}

func TestPartialRecipientRejection(t *testing.T) {
	srv, cfg := startServer(t)
	srv.RejectRecipients(rejectAddress("bad@example.com"))
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	b := NewBuilder()
	require.NoError(t, b.SetSender("me@example.com"))
	require.NoError(t, b.To("good@example.com", "bad@example.com"))
	require.NoError(t, b.SetSubject("Hi"))
	b.SetBody("hello", "")
	msg, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect())
	report, err := c.Send(msg)

	// Partial rejection is reported, not fatal.
	require.NoError(t, err)
	assert.Equal(t, []string{"good@example.com"}, report.Accepted)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "bad@example.com", report.Rejected[0].Address)
	assert.Contains(t, report.Rejected[0].Reason, "no such user")

	deliveries := srv.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []string{"good@example.com"}, deliveries[0].Recipients)
}

func TestAllRecipientsRejected(t *testing.T) {
	srv, cfg := startServer(t)
	srv.RejectRecipients(rejectAddress("bad@example.com"))
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	b := NewBuilder()
	require.NoError(t, b.SetSender("me@example.com"))
	require.NoError(t, b.To("bad@example.com"))
	require.NoError(t, b.SetSubject("Hi"))
	b.SetBody("hello", "")
	msg, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect())
	report, err := c.Send(msg)
	assert.ErrorIs(t, err, ErrAllRecipientsRejected)
	assert.Empty(t, report.Accepted)
	assert.Len(t, report.Rejected, 1)
	assert.Empty(t, srv.Deliveries())

	// The aborted transaction must not poison the session.
	_, err = c.Send(testMessage(t))
	require.NoError(t, err)
	assert.Len(t, srv.Deliveries(), 1)
}

func TestAuthenticationFailure(t *testing.T) {
	srv, cfg := startServer(t)
	srv.RequireCredentials("myuser", "the-real-password")
	go srv.Start()
	defer srv.Close()

	cfg.Password = "wrong"
	c, err := NewClient(cfg)
	require.NoError(t, err)

	err = c.Connect()
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestLoginAuth(t *testing.T) {
	srv, cfg := startServer(t)
	go srv.Start()
	defer srv.Close()

	cfg.Auth = AuthLogin
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect())

	_, err = c.Send(testMessage(t))
	require.NoError(t, err)
	assert.Len(t, srv.Deliveries(), 1)
}

func TestSSLConnect(t *testing.T) {
	serverTLS, clientTLS, err := smtptest.GenerateTLSConfigs()
	require.NoError(t, err)

	srv, err := smtptest.NewInProcessTLSServer(serverTLS)
	require.NoError(t, err)
	go srv.Start()
	defer srv.Close()

	cfg := clientConfig(t, srv, clientTLS)
	cfg.UseSSL = true
	c, err := NewClient(cfg)
	require.NoError(t, err)

	report, err := c.DialAndSend(testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, report.Accepted)
	assert.Len(t, srv.Deliveries(), 1)
}

func TestConnectTimeout(t *testing.T) {
	// A listener that accepts connections but never sends the SMTP
	// greeting, so the client's deadline is the only way out.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := NewClient(Config{
		Host:     host,
		Port:     port,
		Username: "myuser",
		Password: "mypassword",
		Timeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)

	err = c.Connect()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSessionBusy(t *testing.T) {
	srv, cfg := startServer(t)

	// Park the first Send inside RCPT TO so a second Send overlaps it.
	entered := make(chan struct{})
	release := make(chan struct{})
	srv.RejectRecipients(func(to string) error {
		close(entered)
		<-release
		return nil
	})
	go srv.Start()
	defer srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(testMessage(t))
		done <- err
	}()

	<-entered
	_, err = c.Send(testMessage(t))
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)
}
