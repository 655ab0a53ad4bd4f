package openai

import (
	"bufio"
	"io"
	"strings"
)

// frameReader parses server-sent-event frames incrementally from a byte
// stream. A partial line at the end of a read is held in the bufio buffer
// until more data arrives, so frames split across arbitrary read boundaries
// reassemble correctly.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next returns the data payload of the next complete frame. Multiple data:
// lines in one frame are joined with newline per the SSE spec; comment lines
// (":") and field lines other than data: are ignored. io.EOF signals a
// cleanly ended stream.
func (fr *frameReader) next() (string, error) {
	var data []string

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				// Stream ended mid-frame; deliver what we have.
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			// Heartbeat separator between frames, keep reading.
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// Comment, ignore.
		default:
			// event:/id:/retry: fields are irrelevant to this protocol.
		}
	}
}
