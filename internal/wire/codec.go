// Package wire implements the DAP wire format: an ASCII header of
// "Name: Value" lines terminated by CRLF CRLF, followed by a JSON body of
// exactly Content-Length bytes. Only Content-Length is required; unknown
// headers are ignored. Bodies are decoded into typed messages with
// github.com/google/go-dap.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/errors"
)

const (
	// MaxHeaderBytes caps the header section of one frame.
	MaxHeaderBytes = 64 * 1024
	// MaxBodyBytes caps the JSON body of one frame.
	MaxBodyBytes = 16 * 1024 * 1024
)

// Encode writes one framed message. The encoder always emits a single
// Content-Length header with no trailing whitespace.
func Encode(w io.Writer, msg dap.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.IO(err, "failed to marshal DAP message")
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return errors.IO(err, "failed to write frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.IO(err, "failed to write frame body")
	}
	return nil
}

// DecodeRaw reads one framed body without interpreting it.
func DecodeRaw(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	headerBytes := 0

	for {
		line, err := r.ReadString('\n')
		headerBytes += len(line)
		if err != nil {
			if err == io.EOF && line == "" && headerBytes == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, errors.MalformedFrame("unexpected EOF in frame header")
			}
			return nil, errors.IO(err, "failed to read frame header")
		}
		if headerBytes > MaxHeaderBytes {
			return nil, errors.MalformedFrame("frame header exceeds %d bytes", MaxHeaderBytes)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.MalformedFrame("invalid header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, errors.MalformedFrame("invalid Content-Length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
		// Unknown headers are ignored.
	}

	if contentLength < 0 {
		return nil, errors.MalformedFrame("frame missing Content-Length header")
	}
	if contentLength > MaxBodyBytes {
		return nil, errors.MalformedFrame("frame body of %d bytes exceeds %d byte cap", contentLength, MaxBodyBytes)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.MalformedFrame("truncated frame body: %v", err)
	}
	if !json.Valid(body) {
		return nil, errors.MalformedFrame("frame body is not valid JSON")
	}
	return body, nil
}

// Decode reads one framed message and decodes it into a typed DAP
// message. Returns io.EOF at a clean end of stream.
func Decode(r *bufio.Reader) (dap.Message, error) {
	body, err := DecodeRaw(r)
	if err != nil {
		return nil, err
	}
	msg, err := dap.DecodeProtocolMessage(body)
	if err != nil {
		return nil, errors.MalformedFrame("failed to decode DAP message: %v", err)
	}
	return msg, nil
}

// EncodeToBytes frames one message into a byte slice, for tests and for
// transports that write whole frames at once.
func EncodeToBytes(msg dap.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
