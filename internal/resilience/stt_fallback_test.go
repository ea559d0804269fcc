package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Recognizer{Result: stt.Transcript{Text: "turn on the lights"}}
	secondary := &sttmock.Recognizer{Result: stt.Transcript{Text: "secondary"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Recognize(context.Background(), stt.Request{Audio: []byte{1, 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "turn on the lights" {
		t.Errorf("text = %q", got.Text)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times", secondary.CallCount())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Recognizer{Err: errors.New("503")}
	secondary := &sttmock.Recognizer{Result: stt.Transcript{Text: "from secondary"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Recognize(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "from secondary" {
		t.Errorf("text = %q", got.Text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d, %d", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Recognizer{Err: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &sttmock.Recognizer{Err: errors.New("b")})

	if _, err := fb.Recognize(context.Background(), stt.Request{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_CancelDoesNotFailOver(t *testing.T) {
	primary := &sttmock.Recognizer{Block: make(chan struct{})}
	secondary := &sttmock.Recognizer{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fb.Recognize(ctx, stt.Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary called after cancellation")
	}
}
