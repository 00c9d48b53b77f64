// Package wire implements the protocol spoken between the converter and its
// worker processes over a pair of pipes.
//
// Every frame is a uvarint length followed by a protobuf-encoded envelope.
// The parent opens with Hello and the worker answers Ready or Failure.
// After that the parent sends Work frames and finally Done; the worker
// answers each Work with exactly one Result carrying the same sequence
// number.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/johndauphine/forum-converter/internal/step"
)

// Version is the protocol version carried in Hello.
const Version = 1

// MaxFrameSize bounds a single frame so a corrupt length cannot exhaust memory.
const MaxFrameSize = 64 << 20

var (
	// ErrMalformed is returned for frames that cannot be decoded.
	ErrMalformed = errors.New("malformed frame")
	// ErrVersionMismatch is returned when peers speak different versions.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrEncode is returned when a message holds values the codec cannot carry.
	ErrEncode = errors.New("cannot encode frame")
)

// Kind identifies a frame type.
type Kind uint64

const (
	KindHello   Kind = 1
	KindReady   Kind = 2
	KindFailure Kind = 3
	KindWork    Kind = 4
	KindResult  Kind = 5
	KindDone    Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindReady:
		return "ready"
	case KindFailure:
		return "failure"
	case KindWork:
		return "work"
	case KindResult:
		return "result"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Message is implemented by every frame payload.
type Message interface {
	Kind() Kind
}

// Hello starts a session and tells the worker which step to build.
type Hello struct {
	Version   uint64
	Converter string
	Step      string
	Settings  []byte // resolved configuration as YAML
}

// Ready acknowledges Hello.
type Ready struct{}

// Failure reports that the worker could not start.
type Failure struct {
	Message string
}

// Work carries one item to process.
type Work struct {
	Seq  uint64
	Item step.Item
}

// Result carries the outcome of one Work frame.
type Result struct {
	Seq        uint64
	Statements []step.Statement
	LogEntries []step.LogEntry
	Stats      step.Stats
	Failed     bool
}

// Done tells the worker no more work will follow.
type Done struct{}

func (Hello) Kind() Kind   { return KindHello }
func (Ready) Kind() Kind   { return KindReady }
func (Failure) Kind() Kind { return KindFailure }
func (Work) Kind() Kind    { return KindWork }
func (Result) Kind() Kind  { return KindResult }
func (Done) Kind() Kind    { return KindDone }

// Envelope field numbers.
const (
	envKind protowire.Number = 1
	envBody protowire.Number = 2
)

// Writer writes frames. It is not safe for concurrent use.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a frame writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes and flushes one frame. Nothing is written when the frame
// cannot be encoded or exceeds MaxFrameSize.
func (fw *Writer) Write(msg Message) error {
	payload, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %s frame of %d bytes exceeds the %d byte limit", ErrEncode, msg.Kind(), len(payload), MaxFrameSize)
	}
	header := protowire.AppendVarint(nil, uint64(len(payload)))
	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return fw.w.Flush()
}

// Reader reads frames. It is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a frame reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next frame. It returns io.EOF only when the stream ends
// cleanly between frames.
func (fr *Reader) Read() (Message, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(payload)
}

// Marshal encodes a message envelope without the length prefix.
func Marshal(msg Message) ([]byte, error) {
	var body []byte
	var err error
	switch m := msg.(type) {
	case Hello:
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Version)
		body = appendString(body, 2, m.Converter)
		body = appendString(body, 3, m.Step)
		body = protowire.AppendTag(body, 4, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Settings)
	case Ready, Done:
	case Failure:
		body = appendString(body, 1, m.Message)
	case Work:
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Seq)
		var item []byte
		item, err = appendEntries(nil, m.Item)
		if err != nil {
			return nil, fmt.Errorf("encoding item: %w", err)
		}
		body = protowire.AppendTag(body, 2, protowire.BytesType)
		body = protowire.AppendBytes(body, item)
	case Result:
		body, err = appendResult(body, m)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}

	var out []byte
	out = protowire.AppendTag(out, envKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(msg.Kind()))
	out = protowire.AppendTag(out, envBody, protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(payload []byte) (Message, error) {
	var (
		kind Kind
		body []byte
	)
	err := parseFields(payload, func(f field) error {
		switch f.num {
		case envKind:
			kind = Kind(f.varint)
		case envBody:
			body = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindHello:
		var h Hello
		err = parseFields(body, func(f field) error {
			switch f.num {
			case 1:
				h.Version = f.varint
			case 2:
				h.Converter = string(f.bytes)
			case 3:
				h.Step = string(f.bytes)
			case 4:
				h.Settings = append([]byte{}, f.bytes...)
			}
			return nil
		})
		return h, err
	case KindReady:
		return Ready{}, nil
	case KindDone:
		return Done{}, nil
	case KindFailure:
		var m Failure
		err = parseFields(body, func(f field) error {
			if f.num == 1 {
				m.Message = string(f.bytes)
			}
			return nil
		})
		return m, err
	case KindWork:
		w := Work{Item: step.Item{}}
		err = parseFields(body, func(f field) error {
			switch f.num {
			case 1:
				w.Seq = f.varint
			case 2:
				m, err := decodeEntries(f.bytes)
				if err != nil {
					return err
				}
				w.Item = step.Item(m)
			}
			return nil
		})
		return w, err
	case KindResult:
		return decodeResult(body)
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrMalformed, uint64(kind))
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendResult(b []byte, r Result) ([]byte, error) {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)

	for _, stmt := range r.Statements {
		var sb []byte
		sb = appendString(sb, 1, stmt.SQL)
		for i, arg := range stmt.Args {
			v, err := AppendValue(nil, arg)
			if err != nil {
				return nil, fmt.Errorf("encoding argument %d of %q: %w", i, stmt.SQL, err)
			}
			sb = protowire.AppendTag(sb, 2, protowire.BytesType)
			sb = protowire.AppendBytes(sb, v)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}

	for _, e := range r.LogEntries {
		var eb []byte
		eb = appendString(eb, 1, string(e.Type))
		eb = appendString(eb, 2, e.Message)
		eb = appendString(eb, 3, e.Exception)
		if len(e.Details) > 0 {
			details, err := appendEntries(nil, e.Details)
			if err != nil {
				return nil, fmt.Errorf("encoding log details: %w", err)
			}
			eb = protowire.AppendTag(eb, 4, protowire.BytesType)
			eb = protowire.AppendBytes(eb, details)
		}
		eb = appendSigned(eb, 5, e.CreatedAt.UnixNano())
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}

	var stats []byte
	stats = appendSigned(stats, 1, r.Stats.Progress)
	stats = appendSigned(stats, 2, r.Stats.WarningCount)
	stats = appendSigned(stats, 3, r.Stats.ErrorCount)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, stats)

	b = protowire.AppendTag(b, 5, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(r.Failed)), nil
}

func decodeResult(body []byte) (Result, error) {
	var r Result
	err := parseFields(body, func(f field) error {
		switch f.num {
		case 1:
			r.Seq = f.varint
		case 2:
			var stmt step.Statement
			err := parseFields(f.bytes, func(sf field) error {
				switch sf.num {
				case 1:
					stmt.SQL = string(sf.bytes)
				case 2:
					v, err := DecodeValue(sf.bytes)
					if err != nil {
						return err
					}
					stmt.Args = append(stmt.Args, v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Statements = append(r.Statements, stmt)
		case 3:
			var e step.LogEntry
			err := parseFields(f.bytes, func(ef field) error {
				switch ef.num {
				case 1:
					e.Type = step.LogType(ef.bytes)
				case 2:
					e.Message = string(ef.bytes)
				case 3:
					e.Exception = string(ef.bytes)
				case 4:
					details, err := decodeEntries(ef.bytes)
					if err != nil {
						return err
					}
					e.Details = details
				case 5:
					e.CreatedAt = time.Unix(0, protowire.DecodeZigZag(ef.varint)).UTC()
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.LogEntries = append(r.LogEntries, e)
		case 4:
			return parseFields(f.bytes, func(sf field) error {
				v := protowire.DecodeZigZag(sf.varint)
				switch sf.num {
				case 1:
					r.Stats.Progress = v
				case 2:
					r.Stats.WarningCount = v
				case 3:
					r.Stats.ErrorCount = v
				}
				return nil
			})
		case 5:
			r.Failed = protowire.DecodeBool(f.varint)
		}
		return nil
	})
	return r, err
}
