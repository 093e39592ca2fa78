package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frame layout: varint length prefix followed by a protobuf message with
//
//	1: command id (varint)
//	2: command name (string)
//	3: status (varint, responses only)
//	4: fields (google.protobuf.Struct)
//	5: payload (bytes)
//	6: has_next (varint bool)
type Frame struct {
	ID      uint32
	Command string
	Status  Status
	Fields  map[string]any
	Payload []byte
	HasNext bool
}

const maxFrameSize = 1 << 20

const (
	fieldID      protowire.Number = 1
	fieldCommand protowire.Number = 2
	fieldStatus  protowire.Number = 3
	fieldFields  protowire.Number = 4
	fieldPayload protowire.Number = 5
	fieldHasNext protowire.Number = 6
)

// Status is the device's command status code.
type Status uint32

const (
	StatusOK Status = iota
	StatusError
	StatusErrorDecode
	StatusErrorNotImplemented
	StatusErrorBusy
	StatusErrorStorageNotReady
	StatusErrorStorageExist
	StatusErrorStorageNotExist
	StatusErrorStorageInvalidParameter
	StatusErrorStorageDenied
	StatusErrorStorageInvalidName
	StatusErrorStorageInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusErrorDecode:
		return "ERROR_DECODE"
	case StatusErrorNotImplemented:
		return "ERROR_NOT_IMPLEMENTED"
	case StatusErrorBusy:
		return "ERROR_BUSY"
	case StatusErrorStorageNotReady:
		return "ERROR_STORAGE_NOT_READY"
	case StatusErrorStorageExist:
		return "ERROR_STORAGE_EXIST"
	case StatusErrorStorageNotExist:
		return "ERROR_STORAGE_NOT_EXIST"
	case StatusErrorStorageInvalidParameter:
		return "ERROR_STORAGE_INVALID_PARAMETER"
	case StatusErrorStorageDenied:
		return "ERROR_STORAGE_DENIED"
	case StatusErrorStorageInvalidName:
		return "ERROR_STORAGE_INVALID_NAME"
	case StatusErrorStorageInternal:
		return "ERROR_STORAGE_INTERNAL"
	default:
		return fmt.Sprintf("ERROR(%d)", uint32(s))
	}
}

// Encode serializes the frame including its length prefix.
func (f *Frame) Encode() ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(f.ID))

	if f.Command != "" {
		msg = protowire.AppendTag(msg, fieldCommand, protowire.BytesType)
		msg = protowire.AppendString(msg, f.Command)
	}

	if f.Status != StatusOK {
		msg = protowire.AppendTag(msg, fieldStatus, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(f.Status))
	}

	if len(f.Fields) > 0 {
		st, err := structpb.NewStruct(f.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal fields: %w", err)
		}
		msg = protowire.AppendTag(msg, fieldFields, protowire.BytesType)
		msg = protowire.AppendBytes(msg, data)
	}

	if len(f.Payload) > 0 {
		msg = protowire.AppendTag(msg, fieldPayload, protowire.BytesType)
		msg = protowire.AppendBytes(msg, f.Payload)
	}

	if f.HasNext {
		msg = protowire.AppendTag(msg, fieldHasNext, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
	}

	if len(msg) > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", len(msg))
	}

	out := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen32), uint64(len(msg)))
	return append(out, msg...), nil
}

// DecodeFrame parses one message body (without length prefix).
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid id: %w", protowire.ParseError(n))
			}
			f.ID = uint32(v)
			data = data[n:]

		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid status: %w", protowire.ParseError(n))
			}
			f.Status = Status(v)
			data = data[n:]

		case num == fieldHasNext && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid has_next: %w", protowire.ParseError(n))
			}
			f.HasNext = protowire.DecodeBool(v)
			data = data[n:]

		case num == fieldCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid command: %w", protowire.ParseError(n))
			}
			f.Command = v
			data = data[n:]

		case num == fieldFields && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid fields: %w", protowire.ParseError(n))
			}
			st := &structpb.Struct{}
			if err := proto.Unmarshal(v, st); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
			f.Fields = st.AsMap()
			data = data[n:]

		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("invalid payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return f, nil
}

// FrameReader reads length-delimited frames from a stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

func (fr *FrameReader) ReadFrame() (*Frame, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, err
	}

	return DecodeFrame(buf)
}
