// Package stream decodes the server-sent event body of a streamed chat completion. The decoder is
// pure: the caller owns the read loop and carries the unterminated tail of each buffer into the
// next call.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Kind tells what an Event carries.
type Kind int

const (
	// KindDelta carries a piece of assistant text.
	KindDelta Kind = iota + 1
	// KindDone marks the end of the completion.
	KindDone
)

// Event is one decoded record.
type Event struct {
	Kind Kind
	Text string
}

// Batch is the result of decoding one buffer.
type Batch struct {
	// Events are the decoded records in arrival order.
	Events []Event
	// Partial is the text after the last record boundary. Prepend it to the next buffer.
	Partial string
	// Errors holds a *ParseError for every record that was skipped.
	Errors []error
}

// ParseError describes a record that could not be decoded.
type ParseError struct {
	Record string
	Err    error
}

const (
	doneSentinel   = "[DONE]"
	recordBoundary = "\n\n"
)

type chunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Parse splits buffer into records on blank lines and decodes every complete one. A record whose
// payload is [DONE], or that is the bare text [DONE], yields a KindDone event. A record whose payload
// has no text content yields nothing. Records that fail to decode are reported in Batch.Errors and
// skipped.
func Parse(buffer string) Batch {
	buffer = strings.ReplaceAll(buffer, "\r\n", "\n")

	idx := strings.LastIndex(buffer, recordBoundary)
	if idx < 0 {
		return Batch{Partial: buffer}
	}

	batch := Batch{Partial: buffer[idx+len(recordBoundary):]}
	for _, record := range strings.Split(buffer[:idx], recordBoundary) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		ev, ok, err := decodeRecord(record)
		if err != nil {
			batch.Errors = append(batch.Errors, err)
			continue
		}
		if ok {
			batch.Events = append(batch.Events, ev)
		}
	}
	return batch
}

func decodeRecord(record string) (Event, bool, error) {
	if strings.TrimSpace(record) == doneSentinel {
		return Event{Kind: KindDone}, true, nil
	}

	var (
		data  string
		found bool
	)
	for ev, err := range sse.Read(strings.NewReader(record+recordBoundary), nil) {
		if err != nil {
			return Event{}, false, &ParseError{Record: record, Err: err}
		}
		data, found = ev.Data, true
		break
	}
	// Comment-only records keep the connection alive and carry nothing.
	if !found || data == "" {
		return Event{}, false, nil
	}
	if strings.TrimSpace(data) == doneSentinel {
		return Event{Kind: KindDone}, true, nil
	}

	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Event{}, false, &ParseError{Record: record, Err: err}
	}
	if c.Error != nil {
		return Event{}, false, &ParseError{Record: record, Err: fmt.Errorf("server error: %s", c.Error.Message)}
	}
	if len(c.Choices) == 0 {
		return Event{}, false, nil
	}
	content := c.Choices[0].Delta.Content
	if content == nil || *content == "" {
		return Event{}, false, nil
	}
	return Event{Kind: KindDelta, Text: *content}, true, nil
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", models.ErrParse, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{models.ErrParse, e.Err}
}
