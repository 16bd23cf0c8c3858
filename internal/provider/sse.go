package provider

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ScanSSE reads Server-Sent Events from r and delivers each one to ch
// as soon as its terminating blank line is seen, rather than buffering
// the whole stream — a worker must see tool_use_start/input_delta
// events as they arrive, not after the model finishes responding.
// Closes ch when the stream ends, errs on a read error, or ctx is
// cancelled. Ping events (Anthropic's SSE keep-alive) are skipped.
func ScanSSE(ctx context.Context, r io.Reader, ch chan<- SSEEvent) error {
	defer close(ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var currentEvent, currentData strings.Builder

	flush := func() (stop bool) {
		if currentData.Len() == 0 {
			return false
		}
		event := currentEvent.String()
		data := currentData.String()
		currentEvent.Reset()
		currentData.Reset()

		if event == "ping" {
			return false
		}

		select {
		case ch <- SSEEvent{Event: event, Data: data}:
		case <-ctx.Done():
			return true
		}
		return event == "message_stop" || data == "[DONE]"
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()

		if line == "" {
			if flush() {
				return nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if currentData.Len() > 0 {
				currentData.WriteByte('\n')
			}
			currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	return scanner.Err()
}
