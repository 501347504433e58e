package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// event is one dispatched server-sent event.
type event struct {
	Type string
	Data string
	ID   string
}

// sseReader decodes a text/event-stream body. Lines may end in \n or \r\n.
type sseReader struct {
	r *bufio.Reader

	lastID string
	retry  time.Duration
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next event with a non-empty data buffer. A "retry" field
// updates Retry as a side effect. It returns the read error (io.EOF on a
// clean end of stream).
func (s *sseReader) Next() (event, error) {
	var (
		evType  string
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			// A partial final event is discarded.
			return event{}, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !hasData {
				evType = ""
				continue
			}
			if evType == "" {
				evType = "message"
			}
			return event{Type: evType, Data: data.String(), ID: s.lastID}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			evType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Retry returns the server-requested reconnection time, or 0 if none.
func (s *sseReader) Retry() time.Duration {
	return s.retry
}
