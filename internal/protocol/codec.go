package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize bounds a single encoded message line.
const MaxMessageSize = 4 << 20

// ErrInvalidMessage wraps every Decode failure caused by the content of the
// stream rather than by the transport.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks that a message has the fields its type requires.
func Validate(msg Message) error {
	switch msg.Type {
	case TypeRequest:
		if msg.RequestID == "" {
			return fmt.Errorf("request missing required field: request_id")
		}
		if msg.Operation == "" {
			return fmt.Errorf("request missing required field: operation")
		}
	case TypeReply:
		if msg.RequestID == "" {
			return fmt.Errorf("reply missing required field: request_id")
		}
		if msg.Operation == "" {
			return fmt.Errorf("reply missing required field: operation")
		}
	case TypeError:
		if msg.RequestID == "" {
			return fmt.Errorf("error missing required field: request_id")
		}
		if msg.ErrorID == "" {
			return fmt.Errorf("error missing required field: error_id")
		}
	case TypeRegisterBackend:
	case "":
		return fmt.Errorf("message missing required field: type")
	default:
		return fmt.Errorf("invalid message type: %q", msg.Type)
	}
	return nil
}

// Encoder writes newline-delimited JSON messages. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates msg and writes it as one line.
func (e *Encoder) Encode(msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &Decoder{scanner: s}
}

// Decode reads the next message. It returns io.EOF when the stream ends cleanly.
// Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if err := Validate(msg); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Message{}, fmt.Errorf("%w: exceeds %d bytes: %w", ErrInvalidMessage, MaxMessageSize, err)
		}
		return Message{}, err
	}
	return Message{}, io.EOF
}
