package telemetry

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"strings"
	"testing"
)

func TestEventDoneWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)
	defer Sink(ioutil.Discard)

	ev := Event("generate:3072", 1)
	ev.Done()

	body := strings.TrimPrefix(buf.String(), "[")
	body = strings.TrimSuffix(body, ",")
	var decoded PendingEvent
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("unmarshal: %v, body=%q", err, body)
	}
	if decoded.Name != "generate:3072" {
		t.Errorf("Name = %q, want generate:3072", decoded.Name)
	}
	if decoded.Tid != 1 {
		t.Errorf("Tid = %d, want 1", decoded.Tid)
	}
}
