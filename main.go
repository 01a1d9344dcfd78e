package main

import (
	"flag"
	"os"
	"strings"

	"github.com/ptgott/smtpmail/email"
	"github.com/ptgott/smtpmail/userconfig"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it
	// should be thread safe.
	log.Logger = log.With().Caller().Logger()

	configPath := flag.String(
		"config",
		"./config.yaml",
		"path to a YAML file containing your SMTP and message configuration",
	)
	subject := flag.String(
		"subject",
		"",
		"subject line of the email to send",
	)
	text := flag.String(
		"text",
		"",
		"plain-text body of the email",
	)
	html := flag.String(
		"html",
		"",
		"HTML body of the email",
	)
	attach := flag.String(
		"attach",
		"",
		"comma-separated paths of files to attach",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	// Credentials come from the environment, optionally seeded from a
	// .env file in the working directory.
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found; using the ambient environment")
	}

	f, err := os.Open(*configPath)
	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		os.Exit(1)
	}

	config, err := userconfig.Parse(f)
	f.Close()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		os.Exit(1)
	}

	config.SMTP.Username = os.Getenv("SMTP_USERNAME")
	config.SMTP.Password = os.Getenv("SMTP_PASSWORD")

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}

	log.Info().Str("configPath", *configPath).Msg("successfully validated the config")

	b := email.NewBuilder()
	if checkedConfig.Message.FromAddress != "" {
		if err := b.SetSender(checkedConfig.Message.FromAddress); err != nil {
			log.Error().Err(err).Msg("Problem with the configured from address")
			os.Exit(1)
		}
	}
	if err := b.SetRecipients(
		checkedConfig.Message.ToAddresses,
		checkedConfig.Message.CcAddresses,
		checkedConfig.Message.BccAddresses,
	); err != nil {
		log.Error().Err(err).Msg("Problem with the configured recipients")
		os.Exit(1)
	}
	if err := b.SetSubject(*subject); err != nil {
		log.Error().Err(err).Msg("Problem with the subject line")
		os.Exit(1)
	}
	b.SetBody(*text, *html)
	if checkedConfig.Message.ListUnsubscribe != "" {
		b.SetListUnsubscribe(checkedConfig.Message.ListUnsubscribe)
	}
	if *attach != "" {
		paths := strings.Split(*attach, ",")
		if err := b.AddAttachments(paths...); err != nil {
			log.Error().Err(err).Msg("Problem reading an attachment")
			os.Exit(1)
		}
	}

	msg, err := b.Build()
	if err != nil {
		log.Error().Err(err).Msg("The message is not sendable")
		os.Exit(1)
	}

	client, err := email.NewClient(checkedConfig.SMTP.ClientConfig(&log.Logger))
	if err != nil {
		log.Error().Err(err).Msg("Problem configuring the SMTP client")
		os.Exit(1)
	}

	report, err := client.DialAndSend(msg)
	if err != nil {
		log.Error().Err(err).Msg("Problem sending the email")
		os.Exit(1)
	}

	for _, r := range report.Rejected {
		log.Warn().
			Str("recipient", r.Address).
			Str("reason", r.Reason).
			Msg("the server rejected a recipient")
	}
	log.Info().
		Int("accepted", len(report.Accepted)).
		Int("rejected", len(report.Rejected)).
		Msg("done")
}
