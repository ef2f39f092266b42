// Package pg is a hand-written PostgreSQL client speaking the v3
// frontend/backend protocol over a single TCP connection: startup,
// cleartext and MD5 authentication, and the simple Query subprotocol.
package pg

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// protocolVersion is PostgreSQL protocol 3.0.
const protocolVersion = 0x00030000

// Backend message kinds.
const (
	msgAuthentication  byte = 'R'
	msgErrorResponse   byte = 'E'
	msgParameterStatus byte = 'S'
	msgBackendKeyData  byte = 'K'
	msgRowDescription  byte = 'T'
	msgDataRow         byte = 'D'
	msgCommandComplete byte = 'C'
	msgReadyForQuery   byte = 'Z'
	msgNoticeResponse  byte = 'N'
)

// Authentication sub-kinds the driver speaks.
const (
	authOK        uint32 = 0
	authCleartext uint32 = 3
	authMD5       uint32 = 5
)

// maxMessageLen bounds a single backend message payload.
const maxMessageLen = 1 << 24

// buildStartupMessage builds the unkinded startup message: length, protocol
// version, key\0value\0 pairs, and a final terminator.
func buildStartupMessage(user, database string) []byte {
	var payload []byte
	for _, kv := range [][2]string{{"user", user}, {"database", database}} {
		payload = append(payload, kv[0]...)
		payload = append(payload, 0)
		payload = append(payload, kv[1]...)
		payload = append(payload, 0)
	}
	payload = append(payload, 0)

	msg := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(msg[0:4], uint32(8+len(payload)))
	binary.BigEndian.PutUint32(msg[4:8], protocolVersion)
	return append(msg, payload...)
}

// buildPasswordMessage builds a 'p' message carrying the given password
// (cleartext or an already-computed md5 digest string).
func buildPasswordMessage(password string) []byte {
	payload := append([]byte(password), 0)
	msg := make([]byte, 5, 5+len(payload))
	msg[0] = 'p'
	binary.BigEndian.PutUint32(msg[1:5], uint32(4+len(payload)))
	return append(msg, payload...)
}

// md5Password computes the MD5 digest PostgreSQL expects:
// "md5" + hex(md5(hex(md5(password + user)) + salt)), all lowercase hex.
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// buildQueryMessage builds a 'Q' simple-query message.
func buildQueryMessage(sql string) []byte {
	payload := append([]byte(sql), 0)
	msg := make([]byte, 5, 5+len(payload))
	msg[0] = 'Q'
	binary.BigEndian.PutUint32(msg[1:5], uint32(4+len(payload)))
	return append(msg, payload...)
}

// buildTerminateMessage builds the 'X' message sent on close.
func buildTerminateMessage() []byte {
	return []byte{'X', 0, 0, 0, 4}
}

// readMessage reads one backend message: a kind byte, a 4-byte big-endian
// length covering itself, and the payload.
func readMessage(r io.Reader) (kind byte, payload []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	kind = header[0]
	length := int(binary.BigEndian.Uint32(header[1:5])) - 4
	if length < 0 || length > maxMessageLen {
		return 0, nil, fmt.Errorf("invalid message length: %d", length)
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return kind, payload, nil
}

// backendMessage is the tagged union of parsed backend messages.
type backendMessage interface {
	backend()
}

type authRequest struct {
	subKind uint32
	salt    []byte // present for MD5 requests
}

type errorResponse struct {
	fields map[byte]string
}

// SQLState returns the 'C' field of the error field stream.
func (e *errorResponse) SQLState() string { return e.fields['C'] }

// ServerMessage returns the 'M' field of the error field stream.
func (e *errorResponse) ServerMessage() string { return e.fields['M'] }

type parameterStatus struct {
	name  string
	value string
}

type backendKeyData struct {
	pid    uint32
	secret uint32
}

type column struct {
	name     string
	tableOID uint32
	attrNum  int16
	typeOID  uint32
	typeSize int16
	typeMod  int32
	format   int16
}

type rowDescription struct {
	columns []column
}

type dataRow struct {
	// cells holds one value per column; a nil cell is SQL NULL.
	cells [][]byte
}

type commandComplete struct {
	tag string
}

type readyForQuery struct {
	status byte
}

type noticeResponse struct {
	fields map[byte]string
}

func (*authRequest) backend()     {}
func (*errorResponse) backend()   {}
func (*parameterStatus) backend() {}
func (*backendKeyData) backend()  {}
func (*rowDescription) backend()  {}
func (*dataRow) backend()         {}
func (*commandComplete) backend() {}
func (*readyForQuery) backend()   {}
func (*noticeResponse) backend()  {}

// parseMessage decodes a backend payload into its typed variant. Unknown
// kinds return nil so callers can skip them.
func parseMessage(kind byte, payload []byte) (backendMessage, error) {
	switch kind {
	case msgAuthentication:
		return parseAuthRequest(payload)
	case msgErrorResponse:
		return &errorResponse{fields: parseFieldStream(payload)}, nil
	case msgNoticeResponse:
		return &noticeResponse{fields: parseFieldStream(payload)}, nil
	case msgParameterStatus:
		name, value := parseCStringPair(payload)
		return &parameterStatus{name: name, value: value}, nil
	case msgBackendKeyData:
		if len(payload) < 8 {
			return nil, fmt.Errorf("backend key data too short: %d bytes", len(payload))
		}
		return &backendKeyData{
			pid:    binary.BigEndian.Uint32(payload[0:4]),
			secret: binary.BigEndian.Uint32(payload[4:8]),
		}, nil
	case msgRowDescription:
		return parseRowDescription(payload)
	case msgDataRow:
		return parseDataRow(payload)
	case msgCommandComplete:
		return &commandComplete{tag: cString(payload)}, nil
	case msgReadyForQuery:
		if len(payload) < 1 {
			return nil, fmt.Errorf("ready-for-query without status byte")
		}
		return &readyForQuery{status: payload[0]}, nil
	default:
		return nil, nil
	}
}

func parseAuthRequest(payload []byte) (*authRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("authentication request too short: %d bytes", len(payload))
	}
	req := &authRequest{subKind: binary.BigEndian.Uint32(payload[0:4])}
	if req.subKind == authMD5 {
		if len(payload) < 8 {
			return nil, fmt.Errorf("md5 authentication request missing salt")
		}
		req.salt = payload[4:8]
	}
	return req, nil
}

// parseFieldStream decodes the ErrorResponse/NoticeResponse shape: a stream
// of one-byte field codes each followed by a null-terminated string, ended
// by a zero byte.
func parseFieldStream(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	for len(payload) > 0 && payload[0] != 0 {
		code := payload[0]
		payload = payload[1:]
		value := cString(payload)
		fields[code] = value
		if len(payload) <= len(value) {
			break
		}
		payload = payload[len(value)+1:]
	}
	return fields
}

func parseRowDescription(payload []byte) (*rowDescription, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("row description too short: %d bytes", len(payload))
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	payload = payload[2:]

	desc := &rowDescription{columns: make([]column, 0, count)}
	for i := 0; i < count; i++ {
		name := cString(payload)
		if len(payload) < len(name)+1+18 {
			return nil, fmt.Errorf("row description truncated in column %d", i)
		}
		meta := payload[len(name)+1:]
		desc.columns = append(desc.columns, column{
			name:     name,
			tableOID: binary.BigEndian.Uint32(meta[0:4]),
			attrNum:  int16(binary.BigEndian.Uint16(meta[4:6])),
			typeOID:  binary.BigEndian.Uint32(meta[6:10]),
			typeSize: int16(binary.BigEndian.Uint16(meta[10:12])),
			typeMod:  int32(binary.BigEndian.Uint32(meta[12:16])),
			format:   int16(binary.BigEndian.Uint16(meta[16:18])),
		})
		payload = meta[18:]
	}
	return desc, nil
}

func parseDataRow(payload []byte) (*dataRow, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("data row too short: %d bytes", len(payload))
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	payload = payload[2:]

	row := &dataRow{cells: make([][]byte, 0, count)}
	for i := 0; i < count; i++ {
		if len(payload) < 4 {
			return nil, fmt.Errorf("data row truncated in cell %d", i)
		}
		length := int32(binary.BigEndian.Uint32(payload[0:4]))
		payload = payload[4:]

		if length < 0 {
			row.cells = append(row.cells, nil)
			continue
		}
		if len(payload) < int(length) {
			return nil, fmt.Errorf("data row cell %d exceeds payload", i)
		}
		cell := make([]byte, length)
		copy(cell, payload[:length])
		row.cells = append(row.cells, cell)
		payload = payload[length:]
	}
	return row, nil
}

// cString reads up to the first null byte.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseCStringPair decodes "name\0value\0".
func parseCStringPair(b []byte) (string, string) {
	name := cString(b)
	if len(b) <= len(name) {
		return name, ""
	}
	return name, cString(b[len(name)+1:])
}
