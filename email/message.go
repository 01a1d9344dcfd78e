package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers the Builder writes from its own fields. SetHeader refuses these so
// a caller can't end up with two From headers, or worse, a header-visible
// Bcc.
var managedHeaders = map[string]struct{}{
	"From":         {},
	"To":           {},
	"Cc":           {},
	"Bcc":          {},
	"Subject":      {},
	"Date":         {},
	"Content-Type": {},
	"Mime-Version": {},
}

// Attachment is a file that has already been resolved to bytes, a filename,
// and a media type. Resolution happens when the attachment is added, not
// when the message is sent, so a bad path surfaces immediately.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Builder accumulates the fields of one email message and produces an
// immutable Message via Build. It performs no network access; its only side
// effect is reading attachment files. The zero value is not usable: create
// a Builder with NewBuilder.
type Builder struct {
	from        string
	to          []string
	cc          []string
	bcc         []string
	subject     string
	text        string
	html        string
	attachments []Attachment
	date        time.Time

	// Auxiliary headers (Message-Id, List-Unsubscribe, etc.), keyed by
	// canonical MIME header name. headerOrder preserves first-set order
	// so serialization is deterministic.
	headers     map[string]string
	headerOrder []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		headers: make(map[string]string),
	}
}

// parseAddress validates the syntactic shape of a single email address,
// which may include a display name, e.g. `Jane Doe <jane@example.com>`.
// It returns the parsed address or an error wrapping ErrInvalidAddress.
func parseAddress(addr string) (*mail.Address, error) {
	a, err := mail.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return a, nil
}

// parseAddressList validates every address in addrs, returning normalized
// RFC 5322 strings. On failure the returned error names the offending entry
// and nothing is returned.
func parseAddressList(addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	parsed := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		a, err := parseAddress(addr)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, a.String())
	}
	return parsed, nil
}

// SetSender sets the From address. The address may carry a display name.
// If the sender is never set, the serialized message omits the From header
// and the Client falls back to the authenticated username for the envelope
// sender.
func (b *Builder) SetSender(addr string) error {
	a, err := parseAddress(addr)
	if err != nil {
		return err
	}
	b.from = a.String()
	return nil
}

// SetRecipients replaces all three recipient lists at once. Every entry is
// validated before any list is touched, so a malformed address leaves the
// Builder unchanged. Empty lists are fine here; Build enforces that the
// union of to, cc, and bcc is non-empty.
func (b *Builder) SetRecipients(to, cc, bcc []string) error {
	pto, err := parseAddressList(to)
	if err != nil {
		return err
	}
	pcc, err := parseAddressList(cc)
	if err != nil {
		return err
	}
	pbcc, err := parseAddressList(bcc)
	if err != nil {
		return err
	}
	b.to, b.cc, b.bcc = pto, pcc, pbcc
	return nil
}

// To replaces the primary recipient list.
func (b *Builder) To(addrs ...string) error {
	parsed, err := parseAddressList(addrs)
	if err != nil {
		return err
	}
	b.to = parsed
	return nil
}

// Cc replaces the carbon-copy recipient list.
func (b *Builder) Cc(addrs ...string) error {
	parsed, err := parseAddressList(addrs)
	if err != nil {
		return err
	}
	b.cc = parsed
	return nil
}

// Bcc replaces the blind-carbon-copy recipient list. These addresses become
// envelope recipients but are never written into any header of the message.
func (b *Builder) Bcc(addrs ...string) error {
	parsed, err := parseAddressList(addrs)
	if err != nil {
		return err
	}
	b.bcc = parsed
	return nil
}

// SetSubject sets the subject line. A subject containing a line break is an
// injection attempt and is rejected with ErrInvalidHeader rather than
// stripped, so the caller finds out.
func (b *Builder) SetSubject(subject string) error {
	if strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("%w: subject contains a line break", ErrInvalidHeader)
	}
	b.subject = subject
	return nil
}

// SetBody stores the plain-text and HTML variants of the message body. An
// empty string means "this variant is absent". When both variants are
// present the message serializes as multipart/alternative with the plain
// text first, so receiving clients pick the richest form they can render.
func (b *Builder) SetBody(text, html string) {
	b.text = text
	b.html = html
}

// SetDate overrides the Date header stamped at build time. Without this,
// Build uses the current time.
func (b *Builder) SetDate(t time.Time) {
	b.date = t
}

// AddAttachments reads each path and appends one attachment per file, in
// order. Every file is read before the attachment list is touched: a
// missing path fails with ErrAttachmentNotFound and adds nothing, even if
// earlier paths were fine. The media type comes from the file extension,
// falling back to content sniffing. Duplicate paths are allowed.
func (b *Builder) AddAttachments(paths ...string) error {
	pending := make([]Attachment, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrAttachmentNotFound, p)
		}
		if err != nil {
			return fmt.Errorf("reading attachment %q: %w", p, err)
		}
		pending = append(pending, Attachment{
			Filename:    filepath.Base(p),
			ContentType: detectContentType(p, content),
			Content:     content,
		})
	}
	b.attachments = append(b.attachments, pending...)
	return nil
}

// AttachReader appends an attachment read from r instead of the filesystem,
// for content that never lives on disk. The media type is inferred from the
// filename extension, falling back to content sniffing.
func (b *Builder) AttachReader(filename string, r io.Reader) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading attachment %q: %w", filename, err)
	}
	b.attachments = append(b.attachments, Attachment{
		Filename:    filename,
		ContentType: detectContentType(filename, content),
		Content:     content,
	})
	return nil
}

// detectContentType infers a media type from the path extension, and from
// the content itself when the extension is unknown. http.DetectContentType
// returns application/octet-stream when it can't do better, so this never
// returns an empty string.
func detectContentType(path string, content []byte) string {
	if ctype := mime.TypeByExtension(filepath.Ext(path)); ctype != "" {
		return ctype
	}
	return http.DetectContentType(content)
}

// SetMessageID sets the Message-Id header to a fresh `<uuid@domain>`
// identifier. With an empty domain the local hostname is used. Calling this
// again replaces the previous identifier.
func (b *Builder) SetMessageID(domain string) {
	if domain == "" {
		domain = localDomain()
	}
	b.setAuxHeader("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
}

// SetListUnsubscribe sets the List-Unsubscribe header to the given URL,
// wrapped in the angle brackets RFC 2369 requires.
func (b *Builder) SetListUnsubscribe(url string) {
	b.setAuxHeader("List-Unsubscribe", "<"+url+">")
}

// SetHeader sets an auxiliary header. Setting the same header twice
// overwrites the first value. Names the Builder manages from its own fields
// (From, To, Cc, Bcc, Subject, Date, Content-Type, Mime-Version) are
// rejected with ErrInvalidHeader, as is any name or value containing a line
// break.
func (b *Builder) SetHeader(name, value string) error {
	if strings.ContainsAny(name, "\r\n") || strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidHeader, name)
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := managedHeaders[canonical]; ok {
		return fmt.Errorf(
			"%w: %v is set from the builder's own fields, not via SetHeader",
			ErrInvalidHeader,
			canonical,
		)
	}
	b.setAuxHeader(canonical, value)
	return nil
}

// Header returns the current value of an auxiliary header, or an empty
// string if it was never set.
func (b *Builder) Header(name string) string {
	return b.headers[textproto.CanonicalMIMEHeaderKey(name)]
}

func (b *Builder) setAuxHeader(canonical, value string) {
	if _, ok := b.headers[canonical]; !ok {
		b.headerOrder = append(b.headerOrder, canonical)
	}
	b.headers[canonical] = value
}

// localDomain returns a best-effort domain part for generated message
// identifiers.
func localDomain() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// Message is the immutable result of Builder.Build: serialized RFC 5322
// bytes plus the envelope information a Client needs to transmit them. BCC
// addresses appear only in the envelope recipient list, never in the
// serialized headers.
type Message struct {
	sender     string
	recipients []string
	data       []byte
}

// Sender returns the bare envelope sender address, or an empty string if
// the Builder's sender was never set.
func (m *Message) Sender() string {
	return m.sender
}

// EnvelopeRecipients returns the bare addresses of every to, cc, and bcc
// recipient, in that order. This is the RCPT TO list, distinct from the
// header-visible To and Cc lists.
func (m *Message) EnvelopeRecipients() []string {
	r := make([]string, len(m.recipients))
	copy(r, m.recipients)
	return r
}

// Bytes returns the serialized message. Callers must not modify the
// returned slice.
func (m *Message) Bytes() []byte {
	return m.data
}

// WriteTo writes the serialized message to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.data)
	return int64(n), err
}

// Build validates the sendable invariant and serializes the message. It
// fails with ErrIncompleteMessage unless at least one recipient, a subject,
// and at least one body variant are all present. The resulting structure is
// a multipart/mixed envelope around the body and one base64 part per
// attachment; the body itself is multipart/alternative when both text and
// HTML variants exist and a single part otherwise. A Message-Id is
// generated if none was set. The Builder remains usable after Build.
func (b *Builder) Build() (*Message, error) {
	recipients := b.envelopeRecipients()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrIncompleteMessage)
	}
	if b.subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrIncompleteMessage)
	}
	if b.text == "" && b.html == "" {
		return nil, fmt.Errorf("%w: no body", ErrIncompleteMessage)
	}

	var buf bytes.Buffer
	writeHeader := func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	}

	date := b.date
	if date.IsZero() {
		date = time.Now()
	}
	writeHeader("Date", date.Format(time.RFC1123Z))
	if b.from != "" {
		writeHeader("From", b.from)
	}
	if len(b.to) > 0 {
		writeHeader("To", strings.Join(b.to, ", "))
	}
	if len(b.cc) > 0 {
		writeHeader("Cc", strings.Join(b.cc, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", b.subject))
	if _, ok := b.headers["Message-Id"]; !ok {
		writeHeader(
			"Message-Id",
			fmt.Sprintf("<%s@%s>", uuid.NewString(), localDomain()),
		)
	}
	for _, name := range b.headerOrder {
		writeHeader(name, b.headers[name])
	}
	writeHeader("Mime-Version", "1.0")

	if err := b.writeBody(&buf, writeHeader); err != nil {
		return nil, err
	}

	var sender string
	if b.from != "" {
		// b.from has already been through parseAddress, so this can't
		// fail.
		a, err := mail.ParseAddress(b.from)
		if err != nil {
			return nil, err
		}
		sender = a.Address
	}

	return &Message{
		sender:     sender,
		recipients: recipients,
		data:       buf.Bytes(),
	}, nil
}

// envelopeRecipients returns the bare addresses of all recipients, to
// first, then cc, then bcc.
func (b *Builder) envelopeRecipients() []string {
	all := make([]string, 0, len(b.to)+len(b.cc)+len(b.bcc))
	for _, list := range [][]string{b.to, b.cc, b.bcc} {
		for _, addr := range list {
			// Stored addresses are pre-validated; a parse failure
			// here would be a bug in parseAddressList.
			a, err := mail.ParseAddress(addr)
			if err != nil {
				continue
			}
			all = append(all, a.Address)
		}
	}
	return all
}

// writeBody writes the Content-Type (and related) headers via writeHeader,
// the blank line separating headers from body, and the body itself.
func (b *Builder) writeBody(buf *bytes.Buffer, writeHeader func(name, value string)) error {
	if len(b.attachments) > 0 {
		mixed := multipart.NewWriter(buf)
		writeHeader(
			"Content-Type",
			fmt.Sprintf("multipart/mixed; boundary=%s", mixed.Boundary()),
		)
		buf.WriteString("\r\n")
		if err := b.writeBodyPart(mixed); err != nil {
			return err
		}
		for _, a := range b.attachments {
			if err := writeAttachmentPart(mixed, a); err != nil {
				return err
			}
		}
		return mixed.Close()
	}

	if b.text != "" && b.html != "" {
		alt := multipart.NewWriter(buf)
		writeHeader(
			"Content-Type",
			fmt.Sprintf("multipart/alternative; boundary=%s", alt.Boundary()),
		)
		buf.WriteString("\r\n")
		if err := writeAlternativeParts(alt, b.text, b.html); err != nil {
			return err
		}
		return alt.Close()
	}

	ctype, body := "text/plain", b.text
	if b.html != "" {
		ctype, body = "text/html", b.html
	}
	writeHeader("Content-Type", ctype+"; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	return writeQuotedPrintable(buf, body)
}

// writeBodyPart writes the body of the message as a part of the
// multipart/mixed envelope: a nested multipart/alternative part when both
// variants exist, a single text part otherwise.
func (b *Builder) writeBodyPart(mixed *multipart.Writer) error {
	if b.text != "" && b.html != "" {
		var altBuf bytes.Buffer
		alt := multipart.NewWriter(&altBuf)
		if err := writeAlternativeParts(alt, b.text, b.html); err != nil {
			return err
		}
		if err := alt.Close(); err != nil {
			return err
		}

		hdr := textproto.MIMEHeader{}
		hdr.Set(
			"Content-Type",
			fmt.Sprintf("multipart/alternative; boundary=%s", alt.Boundary()),
		)
		pw, err := mixed.CreatePart(hdr)
		if err != nil {
			return err
		}
		_, err = pw.Write(altBuf.Bytes())
		return err
	}

	ctype, body := "text/plain", b.text
	if b.html != "" {
		ctype, body = "text/html", b.html
	}
	return writeTextPart(mixed, ctype, body)
}

// writeAlternativeParts writes the plain-text part followed by the HTML
// part, per RFC 2046's "plainest format first" ordering for
// multipart/alternative.
func writeAlternativeParts(w *multipart.Writer, text, html string) error {
	if err := writeTextPart(w, "text/plain", text); err != nil {
		return err
	}
	return writeTextPart(w, "text/html", html)
}

// writeTextPart writes a single quoted-printable text part.
func writeTextPart(w *multipart.Writer, ctype, body string) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", ctype+"; charset=utf-8")
	hdr.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(hdr)
	if err != nil {
		return err
	}
	return writeQuotedPrintable(pw, body)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// base64LineLength is the maximum encoded line length allowed by RFC 2045.
const base64LineLength = 76

// writeAttachmentPart writes one base64-encoded attachment part with a
// Content-Disposition header carrying the filename.
func writeAttachmentPart(w *multipart.Writer, a Attachment) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", fmt.Sprintf("%s; name=%q", a.ContentType, a.Filename))
	hdr.Set("Content-Transfer-Encoding", "base64")
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	pw, err := w.CreatePart(hdr)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(a.Content)
	for len(encoded) > 0 {
		line := encoded
		if len(line) > base64LineLength {
			line = line[:base64LineLength]
		}
		encoded = encoded[len(line):]
		if _, err := io.WriteString(pw, line+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}
