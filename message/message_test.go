package message

import (
	"errors"
	"reflect"
	"testing"

	"utp/protocol"
)

func TestAsEmbedded(t *testing.T) {
	data := map[string]any{"code": 404}
	want := Embedded{Schema: "ERROR", Data: data}

	inputs := []any{
		want,
		&want,
		map[string]any{"schema": "ERROR", "data": data},
	}
	for i, in := range inputs {
		got, err := AsEmbedded(in)
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("input %d: got %+v", i, got)
		}
	}

	got, err := AsEmbedded(map[string]any{"schema": "PING"})
	if err != nil || got.Schema != "PING" || got.Data != nil {
		t.Errorf("packet without data: %+v %v", got, err)
	}
}

func TestAsEmbeddedRejects(t *testing.T) {
	var nilPacket *Embedded
	inputs := []any{
		"ERROR",
		nilPacket,
		map[string]any{"data": map[string]any{}},
		map[string]any{"schema": "ERROR", "data": []int{1}},
	}
	for i, in := range inputs {
		if _, err := AsEmbedded(in); !errors.Is(err, protocol.ErrInvalidInputDataType) {
			t.Errorf("input %d: expected ErrInvalidInputDataType, got %v", i, err)
		}
	}
}

func TestErrorf(t *testing.T) {
	r := Errorf("user %d: %w", 7, protocol.ErrSchemaNotFound)
	if !errors.Is(r.Err, protocol.ErrSchemaNotFound) || r.Data != nil {
		t.Fatalf("unexpected reply: %+v", r)
	}
}
