package provider

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MessageIDHeader returns the Message-ID used for every attempt of msg
func MessageIDHeader(msg *Message) string {
	domain := msg.From.Domain()
	if domain == "" {
		domain = "localhost"
	}
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	return "<" + id + "@" + domain + ">"
}

// BuildMIME constructs RFC 5322 message data with a text part and an
// optional HTML alternative
func BuildMIME(msg *Message) []byte {
	var buf bytes.Buffer

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	writeHeader(&buf, "From", msg.From.String())
	writeHeader(&buf, "To", msg.To.String())
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", msg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", MessageIDHeader(msg))

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, msg.Headers[k])
	}

	writeHeader(&buf, "MIME-Version", "1.0")

	if msg.HTML == "" {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, msg.Text)
		return buf.Bytes()
	}

	boundary := uuid.New().String()
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=\"%s\"", boundary))
	buf.WriteString("\r\n")

	if msg.Text != "" {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, msg.Text)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	writeHeader(&buf, "Content-Type", "text/html; charset=utf-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	writeQuotedPrintable(&buf, msg.HTML)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(buf *bytes.Buffer, s string) {
	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(s))
	w.Close()
}
