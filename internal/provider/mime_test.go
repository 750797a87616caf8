package provider

import (
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMIMEAlternative(t *testing.T) {
	msg := testMessage()
	msg.Subject = "Привет, Ada"
	msg.Headers = map[string]string{"List-Unsubscribe": "<mailto:unsub@example.com>"}

	parsed, err := mail.ReadMessage(strings.NewReader(string(BuildMIME(msg))))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Привет, Ada", subject)
	assert.Equal(t, "<entry-1@example.com>", parsed.Header.Get("Message-ID"))
	assert.Equal(t, "<mailto:unsub@example.com>", parsed.Header.Get("List-Unsubscribe"))

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var types []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, part.Header.Get("Content-Type"))
	}
	assert.Equal(t, []string{"text/plain; charset=utf-8", "text/html; charset=utf-8"}, types)
}

func TestBuildMIMEPlain(t *testing.T) {
	msg := testMessage()
	msg.HTML = ""

	parsed, err := mail.ReadMessage(strings.NewReader(string(BuildMIME(msg))))
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", parsed.Header.Get("Content-Type"))

	body, _ := io.ReadAll(parsed.Body)
	assert.Contains(t, string(body), "Hi Ada")
}

func TestMessageIDStableAcrossAttempts(t *testing.T) {
	msg := testMessage()
	assert.Equal(t, MessageIDHeader(msg), MessageIDHeader(msg))

	msg.From.Email = "broken"
	assert.Equal(t, "<entry-1@localhost>", MessageIDHeader(msg))
}
