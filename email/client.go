package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// Defaults applied by Config.CheckAndSetDefaults.
const (
	DefaultHost    = "smtp.gmail.com"
	DefaultPortTLS = 587
	DefaultPortSSL = 465
	DefaultTimeout = 30 * time.Second
)

// AuthMethod selects the SASL mechanism used for SMTP AUTH.
type AuthMethod string

const (
	AuthPlain AuthMethod = "PLAIN"
	AuthLogin AuthMethod = "LOGIN"
)

// Config represents the settings needed to open an authenticated SMTP
// session. Zero fields other than the credentials are filled in by
// CheckAndSetDefaults.
type Config struct {
	// Hostname of the SMTP server. Defaults to smtp.gmail.com.
	Host string

	// Port of the SMTP server. Defaults to 587, or 465 when UseSSL is
	// set.
	Port int

	// Credentials for SMTP AUTH. Both are required.
	Username string
	Password string

	// UseSSL selects the transport security mode. False (the default)
	// means connect in plaintext and upgrade with STARTTLS; true means
	// the connection is encrypted from the first byte.
	UseSSL bool

	// Timeout bounds the dial and each protocol exchange, so a hung
	// server can't block the caller forever. Defaults to 30 seconds.
	Timeout time.Duration

	// Auth selects the SASL mechanism. Defaults to AuthPlain.
	Auth AuthMethod

	// TLSConfig overrides the TLS settings used for the handshake. Leave
	// nil outside of tests; the default verifies the server certificate
	// against Host.
	TLSConfig *tls.Config

	// Logger receives the client's structured log events. Leave nil to
	// keep the client silent.
	Logger *zerolog.Logger
}

// CheckAndSetDefaults validates c and either returns a copy of c with
// default settings applied or returns an error due to an invalid
// configuration.
func (c *Config) CheckAndSetDefaults() (Config, error) {
	if c.Username == "" || c.Password == "" {
		return Config{}, errors.New("must supply a username and password")
	}

	checked := *c
	if checked.Host == "" {
		checked.Host = DefaultHost
	}
	if checked.Port == 0 {
		if checked.UseSSL {
			checked.Port = DefaultPortSSL
		} else {
			checked.Port = DefaultPortTLS
		}
	}
	if checked.Port < 1 || checked.Port > 65535 {
		return Config{}, fmt.Errorf("invalid SMTP port %v", checked.Port)
	}
	if checked.Timeout == 0 {
		checked.Timeout = DefaultTimeout
	}
	if checked.Timeout < 0 {
		return Config{}, errors.New("the I/O timeout cannot be negative")
	}
	switch checked.Auth {
	case "":
		checked.Auth = AuthPlain
	case AuthPlain, AuthLogin:
	default:
		return Config{}, fmt.Errorf("unsupported auth method %q", checked.Auth)
	}
	return checked, nil
}

// ConnState describes where a Client is in its session lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Client owns at most one SMTP session at a time and delivers built
// Messages through it. Its lifecycle is Disconnected, then Connected and
// Authenticated after Connect, then Disconnected again after Disconnect; a
// disconnected Client can be reconnected and reused. A single Client is not
// safe for concurrent use: overlapping Send calls fail with ErrSessionBusy.
// Independent Clients can run concurrently, each with its own session.
type Client struct {
	config Config
	logger zerolog.Logger

	// op serializes the connect/send/disconnect sequence. Send uses
	// TryLock so a concurrent caller gets ErrSessionBusy instead of
	// queueing up protocol exchanges on a session it doesn't own.
	op sync.Mutex

	state ConnState
	sc    *smtp.Client
}

// NewClient validates cfg and returns a disconnected Client. Returns an
// error on validation failure.
func NewClient(cfg Config) (*Client, error) {
	checked, err := cfg.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		config: checked,
		logger: logger,
		state:  StateDisconnected,
	}, nil
}

// State reports the client's current lifecycle state.
func (c *Client) State() ConnState {
	c.op.Lock()
	defer c.op.Unlock()
	return c.state
}

// Connect opens the transport and authenticates. In TLS mode it connects in
// plaintext and upgrades with STARTTLS; in SSL mode the connection is
// encrypted from the first byte. Failures are ErrTimeout, ErrConnection, or
// ErrAuthentication depending on what broke. Calling Connect on a client
// that is already authenticated is a no-op.
func (c *Client) Connect() error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.state == StateAuthenticated {
		c.logger.Debug().Msg("already authenticated; ignoring Connect")
		return nil
	}

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName: c.config.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	var sc *smtp.Client
	if c.config.UseSSL {
		conn, err := tls.DialWithDialer(
			&net.Dialer{Timeout: c.config.Timeout},
			"tcp",
			addr,
			tlsConfig,
		)
		if err != nil {
			return wrapTransportErr(err)
		}
		sc = smtp.NewClient(conn)
	} else {
		conn, err := net.DialTimeout("tcp", addr, c.config.Timeout)
		if err != nil {
			return wrapTransportErr(err)
		}
		// NewClientStartTLS runs the greeting, EHLO, and TLS upgrade
		// before CommandTimeout can be set, so bound the handshake
		// with a deadline on the raw connection.
		conn.SetDeadline(time.Now().Add(c.config.Timeout))
		sc, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return wrapTransportErr(err)
		}
		conn.SetDeadline(time.Time{})
	}
	sc.CommandTimeout = c.config.Timeout
	sc.SubmissionTimeout = c.config.Timeout
	c.state = StateConnected

	var auth sasl.Client
	switch c.config.Auth {
	case AuthLogin:
		auth = sasl.NewLoginClient(c.config.Username, c.config.Password)
	default:
		auth = sasl.NewPlainClient("", c.config.Username, c.config.Password)
	}
	if err := sc.Auth(auth); err != nil {
		sc.Close()
		c.state = StateDisconnected
		return wrapAuthErr(err)
	}

	c.sc = sc
	c.state = StateAuthenticated
	c.logger.Debug().
		Str("server", addr).
		Bool("ssl", c.config.UseSSL).
		Msg("connected and authenticated")
	return nil
}

// Disconnect closes the session gracefully, sending QUIT and falling back
// to dropping the connection if that fails. It is best-effort and never
// fails the caller's flow: it always leaves the client Disconnected and is
// safe to call repeatedly, including from a defer alongside error paths.
func (c *Client) Disconnect() {
	c.op.Lock()
	defer c.op.Unlock()
	c.closeSession()
}

func (c *Client) closeSession() {
	if c.sc != nil {
		if err := c.sc.Quit(); err != nil {
			c.logger.Debug().
				Err(err).
				Msg("QUIT failed; dropping the connection")
			c.sc.Close()
		}
		c.sc = nil
	}
	c.state = StateDisconnected
}

// RejectedRecipient records one envelope recipient the server turned away,
// along with the server's response.
type RejectedRecipient struct {
	Address string
	Reason  string
}

// Report is the outcome of one Send: which envelope recipients the server
// accepted and which it rejected. SMTP allows per-recipient rejection, so a
// nil error from Send means the message went out to Accepted, not
// necessarily to everyone.
type Report struct {
	Accepted []string
	Rejected []RejectedRecipient
}

// Send transmits a built message over the authenticated session: MAIL FROM
// with the message's sender (or the authenticated username when the sender
// was never set), one RCPT TO per to/cc/bcc address, then the serialized
// message as DATA. BCC addresses travel only in the envelope.
//
// Send fails with ErrNotConnected when there is no authenticated session,
// ErrIncompleteMessage when the message has no envelope recipients, and
// ErrSessionBusy when another Send on this client is still in flight.
// Per-recipient rejections are reported, not fatal, unless the server
// rejects every recipient, which fails with ErrAllRecipientsRejected. The
// session stays open afterward, so a caller can Send again; SMTP supports
// multiple transactions per connection.
func (c *Client) Send(msg *Message) (*Report, error) {
	if !c.op.TryLock() {
		return nil, ErrSessionBusy
	}
	defer c.op.Unlock()

	if c.state != StateAuthenticated {
		return nil, fmt.Errorf("%w: call Connect before Send", ErrNotConnected)
	}

	recipients := msg.EnvelopeRecipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no envelope recipients", ErrIncompleteMessage)
	}

	from := msg.Sender()
	if from == "" {
		from = c.config.Username
	}

	if err := c.sc.Mail(from, nil); err != nil {
		return nil, wrapTransportErr(err)
	}

	report := &Report{}
	for _, r := range recipients {
		err := c.sc.Rcpt(r, nil)
		if err == nil {
			report.Accepted = append(report.Accepted, r)
			continue
		}
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			c.logger.Debug().
				Str("recipient", r).
				Err(err).
				Msg("recipient rejected by the server")
			report.Rejected = append(report.Rejected, RejectedRecipient{
				Address: r,
				Reason:  smtpErr.Error(),
			})
			continue
		}
		return report, wrapTransportErr(err)
	}

	if len(report.Accepted) == 0 {
		// Abort the transaction so the session is still usable.
		if err := c.sc.Reset(); err != nil {
			c.logger.Debug().Err(err).Msg("RSET failed after rejection")
		}
		return report, fmt.Errorf(
			"%w: the server refused %v recipients",
			ErrAllRecipientsRejected,
			len(report.Rejected),
		)
	}

	wc, err := c.sc.Data()
	if err != nil {
		return report, wrapTransportErr(err)
	}
	if _, err := wc.Write(msg.Bytes()); err != nil {
		wc.Close()
		return report, wrapTransportErr(err)
	}
	if err := wc.Close(); err != nil {
		return report, wrapTransportErr(err)
	}

	c.logger.Info().
		Str("from", from).
		Int("accepted", len(report.Accepted)).
		Int("rejected", len(report.Rejected)).
		Msg("message sent")
	return report, nil
}

// DialAndSend connects, sends msg, and disconnects. The transport is
// released on every exit path, including when Send fails partway through a
// transaction.
func (c *Client) DialAndSend(msg *Message) (*Report, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}
	defer c.Disconnect()
	return c.Send(msg)
}

// wrapTransportErr folds a dial or protocol error into one of the package
// error kinds, keeping timeouts distinct from other transport failures.
func wrapTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// wrapAuthErr classifies a failed AUTH exchange. A definitive SMTP status
// from the server means our credentials or mechanism were rejected;
// anything else is a transport problem.
func wrapAuthErr(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return wrapTransportErr(err)
}
