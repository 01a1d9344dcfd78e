package userconfig

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ptgott/smtpmail/email"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"
)

const smtpScheme string = "smtp://"

// Meta represents all current config options that the sendmail CLI can use,
// i.e., after validation and parsing. Credentials are deliberately absent
// from the YAML schema; the caller supplies them from the environment
// before validation.
type Meta struct {
	SMTP    SMTPSettings    `yaml:"smtp"`
	Message MessageSettings `yaml:"message"`
}

// SMTPSettings contains config options describing the SMTP endpoint and
// transport security mode. Not meant to be used for sending email without
// validation.
type SMTPSettings struct {
	Host    string
	Port    int
	UseSSL  bool
	Timeout time.Duration

	// Filled in from SMTP_USERNAME/SMTP_PASSWORD by the caller, never
	// from the config file, so credentials don't end up committed
	// alongside it.
	Username string
	Password string
}

// UnmarshalYAML parses the user-provided smtp section, returning any
// parsing errors. The server address is a host:port pair; an smtp:// scheme
// is allowed since it's self evident, and the port is optional because the
// transport mode implies one.
func (s *SMTPSettings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := struct {
		ServerAddress string `yaml:"serverAddress"`
		UseSSL        bool   `yaml:"useSSL"`
		Timeout       string `yaml:"timeout"`
	}{}
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the smtp config section: %v", err)
	}

	if v.ServerAddress != "" {
		ra := v.ServerAddress
		if !strings.Contains(ra, "://") {
			ra = smtpScheme + ra
		}
		u, err := url.Parse(ra)
		if err != nil {
			return fmt.Errorf("can't parse the SMTP server address: %v", err)
		}
		if u.Scheme != "smtp" {
			return fmt.Errorf("unsupported SMTP server scheme %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return errors.New("the SMTP server address has no hostname")
		}
		s.Host = u.Hostname()
		if p := u.Port(); p != "" {
			pn, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("can't parse the SMTP server port: %v", err)
			}
			s.Port = pn
		}
	}

	s.UseSSL = v.UseSSL

	if v.Timeout != "" {
		d, err := time.ParseDuration(v.Timeout)
		if err != nil {
			return fmt.Errorf(
				"can't parse the user-provided timeout as a duration: %v",
				err,
			)
		}
		s.Timeout = d
	}

	return nil
}

// CheckAndSetDefaults validates s and either returns a copy of s with
// default settings applied or returns an error due to an invalid
// configuration. Defaults come from the email package: smtp.gmail.com,
// port 587 (465 with useSSL), a 30s timeout.
func (s *SMTPSettings) CheckAndSetDefaults() (SMTPSettings, error) {
	cfg := email.Config{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		UseSSL:   s.UseSSL,
		Timeout:  s.Timeout,
	}
	checked, err := cfg.CheckAndSetDefaults()
	if err != nil {
		return SMTPSettings{}, err
	}
	return SMTPSettings{
		Host:     checked.Host,
		Port:     checked.Port,
		UseSSL:   checked.UseSSL,
		Timeout:  checked.Timeout,
		Username: checked.Username,
		Password: checked.Password,
	}, nil
}

// ClientConfig converts validated settings into the email package's client
// configuration.
func (s *SMTPSettings) ClientConfig(logger *zerolog.Logger) email.Config {
	return email.Config{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		UseSSL:   s.UseSSL,
		Timeout:  s.Timeout,
		Logger:   logger,
	}
}

// MessageSettings contains the recipient lists and per-message headers for
// the email the CLI sends. Address validity is enforced by the message
// builder, not here.
type MessageSettings struct {
	FromAddress     string   `yaml:"fromAddress"`
	ToAddresses     []string `yaml:"toAddresses"`
	CcAddresses     []string `yaml:"ccAddresses"`
	BccAddresses    []string `yaml:"bccAddresses"`
	ListUnsubscribe string   `yaml:"listUnsubscribe"`
}

// CheckAndSetDefaults validates m and either returns a copy of m with
// default settings applied or returns an error due to an invalid
// configuration.
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{}

	s, err := m.SMTP.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.SMTP = s
	c.Message = m.Message

	return c, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing or validation.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	var ss SMTPSettings = SMTPSettings{}
	if m.SMTP == ss {
		return &Meta{}, errors.New("must include an \"smtp\" section")
	}

	nrcpt := len(m.Message.ToAddresses) +
		len(m.Message.CcAddresses) +
		len(m.Message.BccAddresses)
	if nrcpt == 0 {
		return &Meta{}, errors.New(
			"must include at least one recipient within \"message\"",
		)
	}

	return &m, nil
}
