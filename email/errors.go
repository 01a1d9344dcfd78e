package email

import "errors"

// The error kinds this package surfaces to callers. Each failure returned by
// a Builder or Client wraps exactly one of these, so callers can branch with
// errors.Is. Nothing is retried and nothing is swallowed; the one exception
// is Client.Disconnect, which is best-effort and never fails.
var (
	// ErrInvalidAddress means an email address could not be parsed as
	// "local@domain" with an optional display name.
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrInvalidHeader means a header name or value contained a line
	// break (a header-injection attempt) or targeted a header the
	// Builder manages itself.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrAttachmentNotFound means an attachment path did not point to a
	// readable file. The Builder's attachment list is left untouched.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrIncompleteMessage means a message is missing recipients, a
	// subject, or a body variant, either at build time or at send time.
	ErrIncompleteMessage = errors.New("incomplete message")

	// ErrConnection means the SMTP transport failed: dialing, the TLS
	// handshake, or a protocol exchange mid-session.
	ErrConnection = errors.New("SMTP connection failed")

	// ErrAuthentication means the server rejected our credentials.
	ErrAuthentication = errors.New("SMTP authentication failed")

	// ErrNotConnected means Send was called without an authenticated
	// session.
	ErrNotConnected = errors.New("not connected to an SMTP server")

	// ErrSessionBusy means two goroutines called Send on the same Client
	// at once. A Client owns a single SMTP session; callers must
	// serialize their use of it.
	ErrSessionBusy = errors.New("a send is already in progress on this client")

	// ErrTimeout means a dial or protocol exchange exceeded the
	// configured I/O timeout.
	ErrTimeout = errors.New("SMTP operation timed out")

	// ErrAllRecipientsRejected means the server turned away every
	// envelope recipient of a send, so no message went out. The Report
	// returned alongside it lists each rejection.
	ErrAllRecipientsRejected = errors.New("all recipients were rejected")
)
