package telephony

import (
	"strings"
	"testing"
)

func TestRenderStreamTwiML(t *testing.T) {
	doc, err := RenderStreamTwiML(StreamTarget{
		URL:        "wss://voice.example.com/stream",
		Parameters: map[string]string{"call_record_id": "c1", "agent_id": "a1"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		"<Response><Connect>",
		`<Stream url="wss://voice.example.com/stream">`,
		`<Parameter name="agent_id" value="a1"></Parameter><Parameter name="call_record_id" value="c1"></Parameter>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %q in xml: %s", want, doc)
		}
	}
}

func TestRenderStreamTwiMLRequiresWebsocketURL(t *testing.T) {
	if _, err := RenderStreamTwiML(StreamTarget{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := RenderStreamTwiML(StreamTarget{URL: "https://voice.example.com"}); err == nil {
		t.Fatalf("expected error for non-websocket url")
	}
}
