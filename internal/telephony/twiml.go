package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML builder for the answer document of placed calls.
// Only the primitives the orchestrator sends are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTarget points an answered call at a realtime media handler.
type StreamTarget struct {
	URL string
	// Parameters reach the handler in the stream's start message.
	Parameters map[string]string
}

// RenderStreamTwiML renders <Connect><Stream> for target. Parameters are
// emitted in key order so the document is stable.
func RenderStreamTwiML(target StreamTarget) (string, error) {
	u := strings.TrimSpace(target.URL)
	if u == "" {
		return "", errors.New("telephony: stream url required")
	}
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return "", errors.New("telephony: stream url must be ws:// or wss://")
	}

	keys := make([]string, 0, len(target.Parameters))
	for k := range target.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	stream := twimlStream{URL: u}
	for _, k := range keys {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: k, Value: target.Parameters[k]})
	}

	r := twimlResponse{Verbs: []any{twimlConnect{Stream: stream}}}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
