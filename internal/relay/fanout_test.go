package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func fanoutPair(t *testing.T) (*Fanout, *Fanout) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	newOne := func() *Fanout {
		f := NewFanoutWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		t.Cleanup(func() { _ = f.Close() })
		return f
	}
	return newOne(), newOne()
}

func TestFanoutDeliversAcrossInstances(t *testing.T) {
	publisher, subscriber := fanoutPair(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	stop := subscriber.Subscribe(ctx, "draft-1", func(frame []byte) {
		received <- frame
	})
	defer stop()

	frame := encodeFrame(FrameDelta, []byte("payload"))
	deadline := time.After(2 * time.Second)
	for {
		// Publish until the subscription is live; miniredis registers it
		// asynchronously.
		publisher.Publish(ctx, "draft-1", frame)
		select {
		case got := <-received:
			if string(got) != string(frame) {
				t.Fatalf("frame altered in transit: %q", got)
			}
			return
		case <-deadline:
			t.Fatal("frame never delivered across instances")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFanoutSkipsOwnFrames(t *testing.T) {
	publisher, subscriber := fanoutPair(t)
	ctx := context.Background()

	foreign := make(chan []byte, 4)
	stop := subscriber.Subscribe(ctx, "draft-1", func(frame []byte) {
		foreign <- frame
	})
	defer stop()
	own := make(chan []byte, 4)
	stopOwn := publisher.Subscribe(ctx, "draft-1", func(frame []byte) {
		own <- frame
	})
	defer stopOwn()

	frame := encodeFrame(FrameAwareness, []byte(`{"userId":"ada"}`))
	deadline := time.After(2 * time.Second)
	for {
		publisher.Publish(ctx, "draft-1", frame)
		select {
		case <-foreign:
			// Delivery confirmed on the other instance; the publisher must
			// not have echoed to itself.
			select {
			case <-own:
				t.Fatal("instance received its own published frame")
			case <-time.After(100 * time.Millisecond):
			}
			return
		case <-deadline:
			t.Fatal("frame never delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFanoutScopesByDraft(t *testing.T) {
	publisher, subscriber := fanoutPair(t)
	ctx := context.Background()

	wanted := make(chan []byte, 4)
	stopWanted := subscriber.Subscribe(ctx, "draft-1", func(frame []byte) {
		wanted <- frame
	})
	defer stopWanted()
	other := make(chan []byte, 4)
	stopOther := subscriber.Subscribe(ctx, "draft-2", func(frame []byte) {
		other <- frame
	})
	defer stopOther()

	frame := encodeFrame(FrameDelta, []byte("scoped"))
	deadline := time.After(2 * time.Second)
	for {
		publisher.Publish(ctx, "draft-1", frame)
		select {
		case <-wanted:
			select {
			case <-other:
				t.Fatal("frame leaked to another draft's channel")
			case <-time.After(100 * time.Millisecond):
			}
			return
		case <-deadline:
			t.Fatal("frame never delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
