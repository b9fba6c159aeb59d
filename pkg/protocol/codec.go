package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShortMessage indicates a message ended before its fixed layout did.
	ErrShortMessage = errors.New("short message")
	// ErrUnknownType indicates an unrecognised discriminator byte.
	ErrUnknownType = errors.New("unknown message type")
	// ErrTooManyRuns indicates a StatusReply with more than StatusChunks runs.
	ErrTooManyRuns = errors.New("too many status runs")
	// ErrMessageTooLarge indicates an encoded message above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTrailingBytes indicates bytes left over after a fixed layout.
	ErrTrailingBytes = errors.New("trailing bytes")
)

// Encode serialises m into a freshly allocated buffer.
func Encode(m Message) ([]byte, error) {
	return AppendMessage(make([]byte, 0, 64), m)
}

// AppendMessage appends the wire form of m to b.
func AppendMessage(b []byte, m Message) ([]byte, error) {
	start := len(b)
	b = append(b, byte(m.Type()))
	b, err := m.appendBody(b)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(b)-start > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), ErrMessageTooLarge)
	}
	return b, nil
}

// Decode parses one message. Variable-length payloads (Data bytes,
// ListEntry path) are copied, so the result never aliases b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrShortMessage
	}
	t := Type(b[0])
	d := &decoder{buf: b[1:]}
	var m Message
	switch t {
	case TypeUploadRequest:
		m = UploadRequest{
			ChunkSize: d.uint16("chunk size"),
			Size:      d.uint32("size"),
			CRC32:     d.uint32("crc32"),
			MemHint:   d.uint32("mem hint"),
			Backend:   d.uint8("backend"),
			Path:      d.path("path"),
		}
	case TypeUploadReply:
		m = UploadReply{Result: d.result()}
	case TypeDownloadRequest:
		m = DownloadRequest{
			ChunkSize: d.uint16("chunk size"),
			MemAddr:   d.uint32("mem addr"),
			MemSize:   d.uint32("mem size"),
			Backend:   d.uint8("backend"),
			Path:      d.path("path"),
		}
	case TypeDownloadReply:
		m = DownloadReply{
			Result: d.result(),
			Size:   d.uint32("size"),
			CRC32:  d.uint32("crc32"),
		}
	case TypeData:
		m = Data{
			Chunk: d.uint32LE("chunk index"),
			Bytes: d.rest(),
		}
	case TypeStatusRequest:
		m = StatusRequest{}
	case TypeStatusReply:
		m = d.statusReply()
	case TypeCrcRequest:
		m = CrcRequest{}
	case TypeCrcReply:
		m = CrcReply{Result: d.result(), CRC32: d.uint32("crc32")}
	case TypeAbort:
		m = Abort{}
	case TypeDone:
		m = Done{}
	case TypeListRequest:
		m = ListRequest{Backend: d.uint8("backend"), Path: d.path("path")}
	case TypeListReply:
		m = ListReply{Result: d.result(), Entries: d.uint16("entry count")}
	case TypeListEntry:
		m = ListEntry{
			Index: d.uint16("index"),
			Kind:  EntryKind(d.uint8("kind")),
			Size:  d.uint32("size"),
			Path:  trimPath(d.rest()),
		}
	case TypeMoveRequest:
		m = MoveRequest{
			Backend: d.uint8("backend"),
			From:    d.path("from"),
			To:      d.path("to"),
		}
	case TypeMoveReply:
		m = MoveReply{Result: d.result()}
	case TypeRemoveRequest:
		m = RemoveRequest{Backend: d.uint8("backend"), Path: d.path("path")}
	case TypeRemoveReply:
		m = RemoveReply{Result: d.result()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	if d.err == nil && len(d.buf) != 0 {
		d.err = fmt.Errorf("%w: %d", ErrTrailingBytes, len(d.buf))
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, d.err)
	}
	return m, nil
}

func (m UploadRequest) appendBody(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, m.ChunkSize)
	b = binary.BigEndian.AppendUint32(b, m.Size)
	b = binary.BigEndian.AppendUint32(b, m.CRC32)
	b = binary.BigEndian.AppendUint32(b, m.MemHint)
	b = append(b, m.Backend)
	return appendPath(b, m.Path)
}

func (m UploadReply) appendBody(b []byte) ([]byte, error) {
	return append(b, byte(m.Result)), nil
}

func (m DownloadRequest) appendBody(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, m.ChunkSize)
	b = binary.BigEndian.AppendUint32(b, m.MemAddr)
	b = binary.BigEndian.AppendUint32(b, m.MemSize)
	b = append(b, m.Backend)
	return appendPath(b, m.Path)
}

func (m DownloadReply) appendBody(b []byte) ([]byte, error) {
	b = append(b, byte(m.Result))
	b = binary.BigEndian.AppendUint32(b, m.Size)
	b = binary.BigEndian.AppendUint32(b, m.CRC32)
	return b, nil
}

func (m Data) appendBody(b []byte) ([]byte, error) {
	if len(m.Bytes) > MaxChunkSize {
		return nil, ErrMessageTooLarge
	}
	// Legacy ground segments expect the chunk index little-endian.
	b = binary.LittleEndian.AppendUint32(b, m.Chunk)
	return append(b, m.Bytes...), nil
}

func (StatusRequest) appendBody(b []byte) ([]byte, error) { return b, nil }

func (m StatusReply) appendBody(b []byte) ([]byte, error) {
	if len(m.Runs) > StatusChunks {
		return nil, ErrTooManyRuns
	}
	b = append(b, byte(m.Result))
	b = binary.BigEndian.AppendUint32(b, m.Complete)
	b = binary.BigEndian.AppendUint32(b, m.Total)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Runs)))
	for _, r := range m.Runs {
		b = binary.BigEndian.AppendUint32(b, r.Next)
		b = binary.BigEndian.AppendUint16(b, r.Count)
	}
	return b, nil
}

func (CrcRequest) appendBody(b []byte) ([]byte, error) { return b, nil }

func (m CrcReply) appendBody(b []byte) ([]byte, error) {
	b = append(b, byte(m.Result))
	return binary.BigEndian.AppendUint32(b, m.CRC32), nil
}

func (Abort) appendBody(b []byte) ([]byte, error) { return b, nil }
func (Done) appendBody(b []byte) ([]byte, error)  { return b, nil }

func (m ListRequest) appendBody(b []byte) ([]byte, error) {
	b = append(b, m.Backend)
	return appendPath(b, m.Path)
}

func (m ListReply) appendBody(b []byte) ([]byte, error) {
	b = append(b, byte(m.Result))
	return binary.BigEndian.AppendUint16(b, m.Entries), nil
}

func (m ListEntry) appendBody(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, m.Index)
	b = append(b, byte(m.Kind))
	b = binary.BigEndian.AppendUint32(b, m.Size)
	return append(b, m.Path...), nil
}

func (m MoveRequest) appendBody(b []byte) ([]byte, error) {
	b = append(b, m.Backend)
	b, err := appendPath(b, m.From)
	if err != nil {
		return nil, err
	}
	return appendPath(b, m.To)
}

func (m MoveReply) appendBody(b []byte) ([]byte, error) {
	return append(b, byte(m.Result)), nil
}

func (m RemoveRequest) appendBody(b []byte) ([]byte, error) {
	b = append(b, m.Backend)
	return appendPath(b, m.Path)
}

func (m RemoveReply) appendBody(b []byte) ([]byte, error) {
	return append(b, byte(m.Result)), nil
}

// ValidatePath reports whether p fits a fixed-width path field.
func ValidatePath(p string) error {
	if len(p) > PathLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPathTooLong, len(p), PathLength)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return fmt.Errorf("path %q: embedded NUL", p)
	}
	return nil
}

func appendPath(b []byte, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	var field [PathLength]byte
	copy(field[:], p)
	return append(b, field[:]...), nil
}

func trimPath(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// decoder reads fixed-layout fields and remembers the first failure, so a
// message body can be decoded as a single struct literal.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int, op string) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("%w: reading %s", ErrShortMessage, op)
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint8(op string) uint8 {
	b := d.take(1, op)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16(op string) uint16 {
	b := d.take(2, op)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32(op string) uint32 {
	b := d.take(4, op)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uint32LE(op string) uint32 {
	b := d.take(4, op)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) result() Result {
	return Result(d.uint8("result"))
}

func (d *decoder) path(op string) string {
	return trimPath(d.take(PathLength, op))
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	d.buf = nil
	return out
}

func (d *decoder) statusReply() StatusReply {
	m := StatusReply{
		Result:   d.result(),
		Complete: d.uint32("complete"),
		Total:    d.uint32("total"),
	}
	count := d.uint16("entry count")
	if d.err != nil {
		return m
	}
	if count > StatusChunks {
		d.err = fmt.Errorf("%w: %d", ErrTooManyRuns, count)
		return m
	}
	if count > 0 {
		m.Runs = make([]Run, count)
	}
	for i := range m.Runs {
		m.Runs[i].Next = d.uint32("run next")
		m.Runs[i].Count = d.uint16("run count")
	}
	return m
}
