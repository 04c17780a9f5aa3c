package wire

import "bytes"

// Framer splits an inbound byte stream into records. A trailing partial line
// stays buffered until the rest of it arrives.
type Framer struct {
	buf []byte
}

// Feed appends raw transport bytes.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered reports the number of bytes not yet returned as a line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete line without its newline. ok is false when
// only a partial line (or nothing) is buffered.
func (f *Framer) Next() (line string, ok bool) {
	idx := bytes.IndexByte(f.buf, '\n')
	if idx < 0 {
		return "", false
	}
	line = string(f.buf[:idx])
	rest := len(f.buf) - idx - 1
	copy(f.buf, f.buf[idx+1:])
	f.buf = f.buf[:rest]
	return line, true
}

// Records decodes every complete line currently buffered. Blank lines are
// skipped. Decoding stops at the first malformed line, which is returned as
// the error; records decoded before it are still returned.
func (f *Framer) Records() ([]Record, error) {
	var out []Record
	for {
		line, ok := f.Next()
		if !ok {
			return out, nil
		}
		if len(bytes.TrimSpace([]byte(line))) == 0 {
			continue
		}
		record, err := Decode(line)
		if err != nil {
			return out, err
		}
		out = append(out, record)
	}
}

// Reset discards any buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
