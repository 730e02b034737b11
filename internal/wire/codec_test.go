package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/internal/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &dap.InitializeRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: 7, Type: "request"},
			Command:         "initialize",
		},
		Arguments: dap.InitializeRequestArguments{ClientID: "polybugger-mcp", LinesStartAt1: true},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))

	raw := buf.String()
	assert.True(t, strings.HasPrefix(raw, "Content-Length: "))
	assert.Contains(t, raw, "\r\n\r\n")

	decoded, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)

	req, ok := decoded.(*dap.InitializeRequest)
	require.True(t, ok, "decoded %T", decoded)
	assert.Equal(t, 7, req.Seq)
	assert.Equal(t, "initialize", req.Command)
	assert.Equal(t, "polybugger-mcp", req.Arguments.ClientID)
}

func TestDecodeIgnoresUnknownHeaders(t *testing.T) {
	body := `{"seq":1,"type":"event","event":"terminated"}`
	frame := fmt.Sprintf("X-Custom: yes\r\nContent-Length: %d\r\nAnother: header\r\n\r\n%s", len(body), body)

	msg, err := Decode(bufio.NewReader(strings.NewReader(frame)))
	require.NoError(t, err)
	_, ok := msg.(*dap.TerminatedEvent)
	assert.True(t, ok, "decoded %T", msg)
}

func TestDecodeMissingContentLength(t *testing.T) {
	frame := "X-Custom: yes\r\n\r\n{}"
	_, err := Decode(bufio.NewReader(strings.NewReader(frame)))
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
}

func TestDecodeInvalidContentLength(t *testing.T) {
	for _, value := range []string{"abc", "-5"} {
		frame := fmt.Sprintf("Content-Length: %s\r\n\r\n{}", value)
		_, err := Decode(bufio.NewReader(strings.NewReader(frame)))
		require.Error(t, err, "value %q", value)
		assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
	}
}

func TestDecodeBodyCap(t *testing.T) {
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n", MaxBodyBytes+1)
	_, err := Decode(bufio.NewReader(strings.NewReader(frame)))
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
}

func TestDecodeHeaderCap(t *testing.T) {
	var sb strings.Builder
	for sb.Len() <= MaxHeaderBytes {
		sb.WriteString("X-Padding: " + strings.Repeat("a", 1024) + "\r\n")
	}
	sb.WriteString("\r\n")
	_, err := Decode(bufio.NewReader(strings.NewReader(sb.String())))
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
}

func TestDecodeInvalidJSONBody(t *testing.T) {
	body := "{not json"
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	_, err := Decode(bufio.NewReader(strings.NewReader(frame)))
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := "Content-Length: 100\r\n\r\n{\"seq\":1}"
	_, err := Decode(bufio.NewReader(strings.NewReader(frame)))
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformedFrame, errors.KindOf(err))
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader("")))
	assert.Equal(t, io.EOF, err)
}

func TestEncoderEmitsSingleContentLength(t *testing.T) {
	frame, err := EncodeToBytes(&dap.TerminatedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "event"},
			Event:           "terminated",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(frame), "Content-Length:"))
}
