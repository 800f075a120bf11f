package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithConnData(context.Background(), &ConnData{ConnectionID: "c1", RemoteAddr: "10.0.0.1", Country: "US"})
	ctx = WithFrameData(ctx, &FrameData{Type: "message"})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	conn, ok := rec["conn"].(map[string]any)
	if !ok || conn["id"] != "c1" || conn["country"] != "US" {
		t.Fatalf("missing conn group: %v", rec)
	}
	frame, ok := rec["frame"].(map[string]any)
	if !ok || frame["type"] != "message" {
		t.Fatalf("missing frame group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group: %v", rec)
	}
}
