// Package wire implements the line-oriented record format exchanged between
// lockstep peers:
//
//	<frame> <name> [<arg>...]\n
//
// Arguments are opaque strings; handlers own any conversion.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// NamePing is the reserved handshake ping carrying the last frame seen from the peer.
	NamePing = "ping"
	// NameSynchronize is the reserved handshake record carrying the peer-visible frame.
	NameSynchronize = "synchronize"
)

var (
	// ErrMalformedRecord reports an inbound line that does not parse.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvalidToken reports a name or argument that cannot be encoded.
	ErrInvalidToken = errors.New("invalid record token")
)

// Record is one decoded line.
type Record struct {
	Frame int64
	Name  string
	Args  []string
}

// Reserved reports whether the record belongs to the handshake.
func (r Record) Reserved() bool {
	return IsReserved(r.Name)
}

// IsReserved reports whether name is consumed by the connection layer.
func IsReserved(name string) bool {
	return name == NamePing || name == NameSynchronize
}

func (r Record) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Frame, 10))
	b.WriteByte(' ')
	b.WriteString(r.Name)
	for _, arg := range r.Args {
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	return b.String()
}

// Encode renders r as a newline-terminated line.
func Encode(r Record) ([]byte, error) {
	if err := validToken(r.Name); err != nil {
		return nil, fmt.Errorf("encode %q name: %w", r.Name, err)
	}
	for i, arg := range r.Args {
		if err := validToken(arg); err != nil {
			return nil, fmt.Errorf("encode %q arg %d: %w", r.Name, i, err)
		}
	}
	return append([]byte(r.String()), '\n'), nil
}

// Decode parses one line. A trailing newline or carriage return is ignored.
func Decode(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	frame, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: frame %q: %v", ErrMalformedRecord, fields[0], err)
	}
	record := Record{Frame: frame, Name: fields[1]}
	if len(fields) > 2 {
		record.Args = append([]string(nil), fields[2:]...)
	}
	return record, nil
}

func validToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if strings.ContainsAny(token, " \t\r\n\v\f") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidToken, token)
	}
	return nil
}
