package email

// email is responsible for composing MIME-formatted email messages and
// delivering them to an SMTP server, including connecting to the server and
// negotiating TLS and authentication. A Builder accumulates message fields
// (sender, recipients, subject, bodies, attachments, auxiliary headers) and
// produces an immutable Message; a Client owns one SMTP session at a time
// and transmits built Messages through it. The package is a client only: it
// exposes no listening ports and persists no state of its own.
