package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format selects the output encoding for trace events.
type Format uint8

const (
	// FormatAuto picks a format from the output path extension.
	FormatAuto Format = iota
	// FormatText is human-readable, one line per event.
	FormatText
	// FormatNDJSON is newline-delimited JSON.
	FormatNDJSON
	// FormatChrome is the Chrome trace-event array, loadable in
	// chrome://tracing and Perfetto.
	FormatChrome
)

// start anchors the relative timestamps in text output.
var start = time.Now()

// FormatEvent encodes one event. Chrome events come back without the
// surrounding array punctuation; the stream tracer owns that.
func FormatEvent(ev *Event, format Format) []byte {
	switch format {
	case FormatNDJSON:
		return formatNDJSON(ev)
	case FormatChrome:
		return formatChrome(ev)
	default:
		return formatText(ev)
	}
}

func formatNDJSON(ev *Event) []byte {
	type jsonEvent struct {
		Time     string            `json:"time"`
		Seq      uint64            `json:"seq"`
		Kind     string            `json:"kind"`
		Scope    string            `json:"scope"`
		SpanID   uint64            `json:"span_id"`
		ParentID uint64            `json:"parent_id,omitempty"`
		GID      uint64            `json:"gid,omitempty"`
		Name     string            `json:"name"`
		Detail   string            `json:"detail,omitempty"`
		Extra    map[string]string `json:"extra,omitempty"`
	}

	j := jsonEvent{
		Time:     ev.Time.Format("2006-01-02T15:04:05.000000Z07:00"),
		Seq:      ev.Seq,
		Kind:     ev.Kind.String(),
		Scope:    ev.Scope.String(),
		SpanID:   ev.SpanID,
		ParentID: ev.ParentID,
		GID:      ev.GID,
		Name:     ev.Name,
		Detail:   ev.Detail,
		Extra:    ev.Extra,
	}

	data, _ := json.Marshal(j)
	data = append(data, '\n')
	return data
}

// formatChrome emits one Chrome trace-event object. Span begin/end map to
// the B/E phases, points and heartbeats to instants; the goroutine ID
// stands in for the thread ID so concurrent method spans land on separate
// rows.
func formatChrome(ev *Event) []byte {
	type chromeEvent struct {
		Name  string            `json:"name"`
		Cat   string            `json:"cat"`
		Phase string            `json:"ph"`
		TS    int64             `json:"ts"` // microseconds
		PID   int               `json:"pid"`
		TID   uint64            `json:"tid"`
		Scope string            `json:"s,omitempty"`
		Args  map[string]string `json:"args,omitempty"`
	}

	c := chromeEvent{
		Name: ev.Name,
		Cat:  ev.Scope.String(),
		TS:   ev.Time.UnixMicro(),
		PID:  1,
		TID:  ev.GID,
	}
	switch ev.Kind {
	case KindSpanBegin:
		c.Phase = "B"
	case KindSpanEnd:
		c.Phase = "E"
	default:
		c.Phase = "i"
		c.Scope = "t"
	}
	if ev.Detail != "" || len(ev.Extra) > 0 {
		c.Args = make(map[string]string, len(ev.Extra)+1)
		if ev.Detail != "" {
			c.Args["detail"] = ev.Detail
		}
		for k, v := range ev.Extra {
			c.Args[k] = v
		}
	}

	data, _ := json.Marshal(c)
	return data
}

func formatText(ev *Event) []byte {
	var sb strings.Builder

	elapsed := ev.Time.Sub(start)
	sb.WriteString(fmt.Sprintf("[%9.3fms] ", float64(elapsed)/float64(time.Millisecond)))

	if ev.ParentID > 0 {
		sb.WriteString("  ")
	}

	switch ev.Kind {
	case KindSpanBegin:
		sb.WriteString("→ ") // →
	case KindSpanEnd:
		sb.WriteString("← ") // ←
	case KindPoint:
		sb.WriteString("• ") // •
	case KindHeartbeat:
		sb.WriteString("♡ ") // ♡
	}

	sb.WriteString(ev.Name)

	if ev.Detail != "" {
		sb.WriteString(" (")
		sb.WriteString(ev.Detail)
		sb.WriteString(")")
	}

	if len(ev.Extra) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range ev.Extra {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(v)
			first = false
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return []byte(sb.String())
}
