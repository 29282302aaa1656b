package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobSinkPutObjectCopiesData(t *testing.T) {
	t.Parallel()

	sink := NewBlobSink()
	payload := []byte("content")
	uri, err := sink.PutObject(context.Background(), "meta_snapshot/music.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://meta_snapshot/music.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := sink.Object("meta_snapshot/music.json")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if sink.Len() != 1 {
		t.Fatalf("expected one object, got %d", sink.Len())
	}
}
