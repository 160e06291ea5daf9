package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sensorpipe/internal/chunker"
	"sensorpipe/internal/dispatcher"
	"sensorpipe/internal/queue"
	"sensorpipe/internal/transport"
	"sensorpipe/internal/wire"
)

// fakeChannel is a transport.ControlChannel test double: it replays a fixed
// sequence of inbound envelopes and records every outbound send.
type fakeChannel struct {
	mu      sync.Mutex
	inbox   []wire.ControlEnvelope
	sent    []wire.ControlEnvelope
	closed  bool
	recvErr error
}

func (f *fakeChannel) Recv(ctx context.Context) (wire.ControlEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		if f.recvErr != nil {
			return wire.ControlEnvelope{}, f.recvErr
		}
		<-ctx.Done()
		return wire.ControlEnvelope{}, ctx.Err()
	}
	env := f.inbox[0]
	f.inbox = f.inbox[1:]
	return env, nil
}

func (f *fakeChannel) Send(ctx context.Context, env wire.ControlEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.DataChunk
}

func (s *fakeSender) SendChunk(ctx context.Context, c wire.DataChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	q, err := queue.Open(queue.Config{Path: t.TempDir() + "/q.db", Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })

	chunks, err := chunker.Chunk(make([]byte, 1024), "e1", chunker.Options{ChunkSize: chunker.MinChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(chunks); err != nil {
		t.Fatal(err)
	}
	return dispatcher.New("s1", q)
}

func TestAgentHandlesChunkRequestAndClosesOnShutdown(t *testing.T) {
	disp := newTestDispatcher(t)
	ch := &fakeChannel{}
	sender := &fakeSender{}

	a := New(Config{
		SensorID: "s1",
		Dial:     func(ctx context.Context) (transport.ControlChannel, error) { return ch, nil },
		Sender:   sender,
	}, disp)

	ctx, cancel := context.WithCancel(context.Background())

	ch.inbox = append(ch.inbox, wire.ControlEnvelope{
		BodyType: wire.BodyChunkRequest,
		ChunkRequest: &wire.ChunkRequest{
			MaxChunks: 10,
			MaxBytes:  1 << 20,
			WindowID:  "w1",
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() == 0 {
		t.Fatal("expected at least one chunk sent")
	}

	cancel()
	wg.Wait()

	if !ch.closed {
		t.Fatal("expected channel closed on shutdown")
	}
}

func TestAgentReconnectsOnDialFailure(t *testing.T) {
	disp := newTestDispatcher(t)
	ch := &fakeChannel{}
	attempts := 0

	a := New(Config{
		SensorID: "s1",
		Dial: func(ctx context.Context) (transport.ControlChannel, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("dial refused")
			}
			return ch, nil
		},
		Sender: &fakeSender{},
	}, disp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.Run(ctx)

	if attempts < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", attempts)
	}
}
