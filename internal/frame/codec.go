package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEmptyCommand is returned when encoding a frame without a command
	ErrEmptyCommand = errors.New("frame has no command")

	// ErrInvalidHeader is returned when a command or header cannot be written
	// without corrupting the frame
	ErrInvalidHeader = errors.New("invalid header")
)

// ProtocolError describes malformed STOMP input
type ProtocolError struct {
	Offset int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stomp protocol error at byte %d: %s", e.Offset, e.Reason)
}

// Encode serializes f to its wire form, terminated by a NUL byte.
// content-length belongs to the codec: it is written when the body contains
// a NUL and a caller-set value is rejected.
func Encode(f *Frame) ([]byte, error) {
	if f == nil || f.Command == "" {
		return nil, ErrEmptyCommand
	}
	if strings.ContainsAny(string(f.Command), "\r\n\x00") {
		return nil, fmt.Errorf("%w: command %q", ErrInvalidHeader, f.Command)
	}

	escape := f.Command.escapesHeaders()
	for i := 0; i < f.Header.Len(); i++ {
		key, value := f.Header.GetAt(i)
		if err := checkHeader(key, value, escape); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Command) + 2 + f.Header.Len()*24 + len(f.Body) + 24)

	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')

	for i := 0; i < f.Header.Len(); i++ {
		key, value := f.Header.GetAt(i)
		if escape {
			key = escapeValue(key)
			value = escapeValue(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	if bytes.IndexByte(f.Body, 0) >= 0 {
		buf.WriteString(ContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)

	return buf.Bytes(), nil
}

// checkHeader rejects entries Decode could not read back unchanged
func checkHeader(key, value string, escaped bool) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty name", ErrInvalidHeader)
	case key == ContentLength:
		return fmt.Errorf("%w: %s is derived from the body", ErrInvalidHeader, ContentLength)
	case escaped:
		return nil
	case strings.ContainsAny(key, ":\r\n"):
		return fmt.Errorf("%w: name %q cannot be escaped in a CONNECT frame", ErrInvalidHeader, key)
	case strings.ContainsAny(value, "\r\n"):
		return fmt.Errorf("%w: value of %q cannot be escaped in a CONNECT frame", ErrInvalidHeader, key)
	}
	return nil
}

// Decode parses every frame contained in data.
// Heart-beats (bare EOLs) yield no frame; an input made only of heart-beats
// returns an empty slice and no error. content-length is consumed for
// framing and does not appear in the decoded Header. Repeated headers are
// kept in order; Header.Get returns the first, the one STOMP 1.2 honours.
func Decode(data []byte) ([]*Frame, error) {
	var frames []*Frame
	pos := 0

	for {
		pos = skipEOL(data, pos)
		if pos >= len(data) {
			return frames, nil
		}

		f, next, err := decodeOne(data, pos)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		pos = next
	}
}

// decodeOne parses the frame starting at pos and returns the offset following its NUL
func decodeOne(data []byte, pos int) (*Frame, int, error) {
	line, next, ok := readLine(data, pos)
	if !ok {
		return nil, pos, &ProtocolError{Offset: pos, Reason: "unterminated command line"}
	}
	f := &Frame{Command: Command(line)}
	pos = next

	unescape := f.Command.escapesHeaders()
	for {
		line, next, ok = readLine(data, pos)
		if !ok {
			return nil, pos, &ProtocolError{Offset: pos, Reason: "unterminated header block"}
		}
		if line == "" {
			pos = next
			break
		}

		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, pos, &ProtocolError{Offset: pos, Reason: fmt.Sprintf("invalid header line %q", line)}
		}
		key, value := line[:idx], line[idx+1:]
		if unescape {
			var err error
			if key, err = unescapeValue(key); err != nil {
				return nil, pos, &ProtocolError{Offset: pos, Reason: err.Error()}
			}
			if value, err = unescapeValue(value); err != nil {
				return nil, pos, &ProtocolError{Offset: pos, Reason: err.Error()}
			}
		}
		f.Header.Add(key, value)
		pos = next
	}

	end := -1
	if cl, ok := f.Header.Contains(ContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, pos, &ProtocolError{Offset: pos, Reason: fmt.Sprintf("invalid content-length %q", cl)}
		}
		if pos+n >= len(data) || data[pos+n] != 0 {
			return nil, pos, &ProtocolError{Offset: pos, Reason: fmt.Sprintf("body shorter than content-length %d or not NUL terminated", n)}
		}
		end = pos + n
		f.Header.Del(ContentLength)
	} else {
		idx := bytes.IndexByte(data[pos:], 0)
		if idx < 0 {
			return nil, pos, &ProtocolError{Offset: pos, Reason: "missing NUL terminator"}
		}
		end = pos + idx
	}

	if end > pos {
		f.Body = append([]byte(nil), data[pos:end]...)
	}
	return f, end + 1, nil
}

// readLine returns the line starting at pos without its EOL and the offset after the EOL
func readLine(data []byte, pos int) (string, int, bool) {
	idx := bytes.IndexByte(data[pos:], '\n')
	if idx < 0 {
		return "", pos, false
	}
	end := pos + idx
	next := end + 1
	if end > pos && data[end-1] == '\r' {
		end--
	}
	return string(data[pos:end]), next, true
}

func skipEOL(data []byte, pos int) int {
	for pos < len(data) {
		switch {
		case data[pos] == '\n':
			pos++
		case data[pos] == '\r' && pos+1 < len(data) && data[pos+1] == '\n':
			pos += 2
		default:
			return pos
		}
	}
	return pos
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeValue(s string) string {
	if !strings.ContainsAny(s, "\\\r\n:") {
		return s
	}
	return headerEscaper.Replace(s)
}

func unescapeValue(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		i++
		switch s[i] {
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 'c':
			sb.WriteByte(':')
		case '\\':
			sb.WriteByte('\\')
		default:
			return "", fmt.Errorf("invalid escape \\%c in header %q", s[i], s)
		}
	}
	return sb.String(), nil
}
