package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Delivery captures one SMTP transaction as the server saw it: the envelope
// sender and recipients plus the raw DATA payload. Keeping the envelope
// separate from the payload lets tests assert that BCC recipients show up
// in RCPT TO without ever appearing in the message headers.
type Delivery struct {
	From       string
	Recipients []string
	Data       string
	Received   time.Time
}

// DeliveryStore retains deliveries in memory for comparison against a
// test's expected output. Designed to be goroutine safe since we don't know
// how many connections will hit the server at once.
type DeliveryStore struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (ds *DeliveryStore) save(d Delivery) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.deliveries = append(ds.deliveries, d)
}

// Deliveries returns a copy of every delivery the server has accepted so
// far, in arrival order.
func (ds *DeliveryStore) Deliveries() []Delivery {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	r := make([]Delivery, len(ds.deliveries))
	copy(r, ds.deliveries)
	return r
}

// backend implements smtp.Backend, handing each connection a session that
// writes into the shared DeliveryStore.
type backend struct {
	store *DeliveryStore

	// checkCredentials decides whether an AUTH attempt succeeds. The
	// default accepts any non-empty username/password pair so tests
	// aren't coupled to specific configurations.
	checkCredentials func(username, password string) error

	// rejectRecipient, when non-nil, is consulted for every RCPT TO and
	// can return an *smtp.SMTPError to turn that recipient away.
	rejectRecipient func(to string) error
}

func (be *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: be}, nil
}

// session implements smtp.Session for one connection. It requires AUTH
// before accepting mail.
type session struct {
	backend *backend
	authed  bool
	from    string
	rcpts   []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	check := s.backend.checkCredentials
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			if err := check(username, password); err != nil {
				return err
			}
			s.authed = true
			return nil
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: func(username, password string) error {
			if err := check(username, password); err != nil {
				return err
			}
			s.authed = true
			return nil
		}}, nil
	}
	return nil, smtp.ErrAuthUnsupported
}

// loginServer implements the server side of the LOGIN mechanism, which
// go-sasl only ships a client for. Clients either wait for the Username:
// challenge or send the username as the initial response; both work here.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	gotUsername  bool
}

func (ls *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if !ls.gotUsername {
		if response == nil {
			return []byte("Username:"), false, nil
		}
		ls.username = string(response)
		ls.gotUsername = true
		return []byte("Password:"), false, nil
	}
	if response == nil {
		return nil, false, errors.New("expected a LOGIN password response")
	}
	return nil, true, ls.authenticate(ls.username, string(response))
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if reject := s.backend.rejectRecipient; reject != nil {
		if err := reject(to); err != nil {
			return err
		}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	// Doubtful a test will send a payload this big, but we need a limit.
	var maxEmailSize int64 = 25 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	rcpts := make([]string, len(s.rcpts))
	copy(rcpts, s.rcpts)
	s.backend.store.save(Delivery{
		From:       s.from,
		Recipients: rcpts,
		Data:       string(buf),
		Received:   time.Now(),
	})

	s.from = ""
	s.rcpts = nil
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect the envelope and payload of every sent
// message. You must initialize this via NewInProcessServer or
// NewInProcessTLSServer.
type InProcessServer struct {
	*DeliveryStore
	server   *smtp.Server
	listener net.Listener
	backend  *backend
}

// NewInProcessServer creates an InProcessServer listening on an ephemeral
// localhost port. The server offers STARTTLS with the provided TLS
// configuration and requires the client to upgrade before authenticating,
// which is how a real submission endpoint on port 587 behaves.
func NewInProcessServer(tlsConfig *tls.Config) (*InProcessServer, error) {
	is, err := newInProcessServer(tlsConfig)
	if err != nil {
		return nil, err
	}
	is.server.TLSConfig = tlsConfig
	return is, nil
}

// NewInProcessTLSServer creates an InProcessServer whose listener is
// encrypted from the first byte, which is how an SMTPS endpoint on port 465
// behaves.
func NewInProcessTLSServer(tlsConfig *tls.Config) (*InProcessServer, error) {
	is, err := newInProcessServer(tlsConfig)
	if err != nil {
		return nil, err
	}
	is.listener = tls.NewListener(is.listener, tlsConfig)
	return is, nil
}

func newInProcessServer(tlsConfig *tls.Config) (*InProcessServer, error) {
	if tlsConfig == nil {
		return nil, errors.New("must supply a TLS configuration")
	}

	store := &DeliveryStore{}
	be := &backend{
		store: store,
		checkCredentials: func(username, password string) error {
			if username == "" || password == "" {
				return errors.New("no username or password provided")
			}
			return nil
		},
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = false // need TLS before AUTH

	// Listen before Start so the address is known, and so a test can't
	// race the server's setup by connecting too early.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	return &InProcessServer{
		DeliveryStore: store,
		server:        srv,
		listener:      ln,
		backend:       be,
	}, nil
}

// RequireCredentials makes AUTH succeed only for the given pair, instead of
// the default "anything non-empty". Call before Start.
func (is *InProcessServer) RequireCredentials(username, password string) {
	is.backend.checkCredentials = func(u, p string) error {
		if u != username || p != password {
			return errors.New("bad username or password")
		}
		return nil
	}
}

// RejectRecipients installs a hook consulted for every RCPT TO. Returning
// an *smtp.SMTPError rejects that recipient. Call before Start.
func (is *InProcessServer) RejectRecipients(fn func(to string) error) {
	is.backend.rejectRecipient = fn
}

// Start serves connections on the server's listener. Blocking; run it in a
// goroutine and stop it with Close.
func (is *InProcessServer) Start() error {
	return is.server.Serve(is.listener)
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.server.Close()
}

// Address returns the host:port the test SMTP server is listening on.
func (is *InProcessServer) Address() string {
	return is.listener.Addr().String()
}
