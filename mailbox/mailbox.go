/*
Package mailbox supplies raw bank-notification emails to the importer.

SOURCES:
  DirSource reads RFC 5322 messages (*.eml) from a directory, the format
  produced by most mail exporters and by IMAP sync tools writing Maildir
  style spools. Files are read in name order so a run is repeatable.

DECODING:
  - Subject: RFC 2047 encoded words are decoded.
  - Body: for multipart messages the text/html part is preferred (bank
    alerts carry the structured table there), then text/plain.
    quoted-printable and base64 transfer encodings are decoded.
  - Message-ID: taken from the header; files without one get a stable
    id derived from the file name so re-reads still de-duplicate.
  - ReceivedAt: the Date header, else the file's modification time.

A file that cannot be parsed is logged and skipped; it never fails the
whole fetch.
*/
package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/reconcile"
)

// DirSource reads *.eml files from Dir.
type DirSource struct {
	Name string
	Dir  string
}

func NewDirSource(name, dir string) *DirSource {
	return &DirSource{Name: name, Dir: dir}
}

var _ reconcile.Source = (*DirSource)(nil)

func (s *DirSource) Mailbox() string { return s.Name }

// Fetch parses every .eml file in the directory.
func (s *DirSource) Fetch(ctx context.Context) ([]reconcile.Email, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read mailbox dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".eml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	log := logging.FromContext(ctx)
	emails := make([]reconcile.Email, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.Dir, name)
		email, err := s.readFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("unreadable email skipped")
			continue
		}
		emails = append(emails, email)
	}
	log.Debug().Str("mailbox", s.Name).Int("emails", len(emails)).Msg("mailbox fetched")
	return emails, nil
}

func (s *DirSource) readFile(path string) (reconcile.Email, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return reconcile.Email{}, err
	}
	email, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return reconcile.Email{}, err
	}
	email.Mailbox = s.Name
	if email.MessageID == "" {
		email.MessageID = "<" + filepath.Base(path) + "@" + s.Name + ">"
	}
	if email.ReceivedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			email.ReceivedAt = info.ModTime().UTC()
		}
	}
	return email, nil
}

// =============================================================================
// MESSAGE PARSING
// =============================================================================

var wordDecoder = new(mime.WordDecoder)

// Parse decodes one RFC 5322 message.
func Parse(r io.Reader) (reconcile.Email, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return reconcile.Email{}, fmt.Errorf("parse message: %w", err)
	}

	email := reconcile.Email{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
		From:      msg.Header.Get("From"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}
	if addr, err := mail.ParseAddress(email.From); err == nil {
		email.From = addr.Address
	}
	if date, err := msg.Header.Date(); err == nil {
		email.ReceivedAt = date.UTC()
	}

	body, err := readBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return reconcile.Email{}, err
	}
	email.Body = body
	return email, nil
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// readBody returns the best text part of an entity.
func readBody(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return readMultipart(multipart.NewReader(body, params["boundary"]))
	}

	raw, err := io.ReadAll(decodeTransfer(encoding, body))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(raw), nil
}

func readMultipart(mr *multipart.Reader) (string, error) {
	var plain, html string
	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read multipart: %w", err)
		}
		ct := part.Header.Get("Content-Type")
		mediaType, _, _ := mime.ParseMediaType(ct)
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if !strings.HasPrefix(mediaType, "text/") && !strings.HasPrefix(mediaType, "multipart/") {
			continue
		}
		text, err := readBody(ct, part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			return "", err
		}
		switch {
		case mediaType == "text/html" && html == "":
			html = text
		case strings.HasPrefix(mediaType, "multipart/") && html == "":
			// nested alternative: its best part counts as html when tagged
			if strings.Contains(text, "<") {
				html = text
			} else if plain == "" {
				plain = text
			}
		case mediaType == "text/plain" && plain == "":
			plain = text
		}
	}
	if html != "" {
		return html, nil
	}
	return plain, nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}
