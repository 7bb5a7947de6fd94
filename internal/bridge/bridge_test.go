package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStart_OpensOnceUnderConcurrency(t *testing.T) {
	var opens atomic.Int32
	release := make(chan struct{})
	s := New(func(context.Context) error {
		opens.Add(1)
		<-release
		return nil
	})
	if s.State() != Unopened {
		t.Fatalf("state = %v, want unopened", s.State())
	}

	const callers = 16
	futures := make([]*Future, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = s.Start(context.Background())
		}(i)
	}
	wg.Wait()

	if s.State() != Opening {
		t.Errorf("state = %v, want opening", s.State())
	}
	for i := 1; i < callers; i++ {
		if futures[i] != futures[0] {
			t.Fatalf("Start returned different futures")
		}
	}

	close(release)
	if err := futures[0].Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := opens.Load(); n != 1 {
		t.Errorf("open ran %d times, want 1", n)
	}
	if s.State() != Opened {
		t.Errorf("state = %v, want opened", s.State())
	}
	if s.Start(context.Background()) != futures[0] {
		t.Error("Start after open returned a new future")
	}
}

func TestCall_WaitsForOpen(t *testing.T) {
	release := make(chan struct{})
	var opened atomic.Bool
	s := New(func(context.Context) error {
		<-release
		opened.Store(true)
		return nil
	})
	s.Method("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		if !opened.Load() {
			return nil, errors.New("handler ran before open")
		}
		return params, nil
	})

	type result struct {
		v   any
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := s.Call(context.Background(), "echo", json.RawMessage(`{"a":1}`))
		got <- result{v, err}
	}()

	select {
	case <-got:
		t.Fatal("Call returned before open finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r := <-got
	if r.err != nil {
		t.Fatalf("Call: %v", r.err)
	}
	if string(r.v.(json.RawMessage)) != `{"a":1}` {
		t.Errorf("echo = %s", r.v)
	}
}

func TestCall_FailedOpenIsSticky(t *testing.T) {
	boom := errors.New("disk on fire")
	var opens atomic.Int32
	s := New(func(context.Context) error {
		opens.Add(1)
		return boom
	})
	called := false
	s.Method("noop", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := s.Call(context.Background(), "noop", nil); !errors.Is(err, boom) {
			t.Fatalf("Call %d error = %v, want open error", i, err)
		}
	}
	if called {
		t.Error("handler ran after failed open")
	}
	if opens.Load() != 1 || s.State() != OpenFailed {
		t.Errorf("opens = %d, state = %v", opens.Load(), s.State())
	}
}

func TestCall_UnknownEndpoint(t *testing.T) {
	s := New(func(context.Context) error { return nil })
	if _, err := s.Call(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("Call error = %v, want ErrUnknownEndpoint", err)
	}
	if err := s.OpenStream(context.Background(), "nope", nil, nil); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("OpenStream error = %v, want ErrUnknownEndpoint", err)
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	s := New(func(context.Context) error {
		select {} // never opens
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx).Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestServe(t *testing.T) {
	s := New(func(context.Context) error { return nil })
	s.Method("echo", func(_ context.Context, p json.RawMessage) (any, error) { return p, nil })
	s.Method("fail", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("nope") })
	s.Stream("count", func(_ context.Context, _ json.RawMessage, push func(any) error) error {
		for i := 1; i <= 3; i++ {
			if err := push(i); err != nil {
				return err
			}
		}
		return nil
	})

	in := make(chan Request)
	out := make(chan Response, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, in, out) }()

	in <- Request{ID: "1", Kind: KindMethod, Endpoint: "echo", Params: json.RawMessage(`"hi"`)}
	in <- Request{ID: "2", Kind: KindStream, Endpoint: "count"}
	in <- Request{ID: "3", Kind: KindMethod, Endpoint: "fail"}
	in <- Request{ID: "4", Kind: KindStream, Endpoint: "missing"}
	close(in)

	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	close(out)

	byID := make(map[string][]Response)
	for r := range out {
		byID[r.ID] = append(byID[r.ID], r)
	}

	if rs := byID["1"]; len(rs) != 1 || !rs[0].Done || string(rs[0].Result.(json.RawMessage)) != `"hi"` {
		t.Errorf("echo responses = %+v", rs)
	}
	if rs := byID["2"]; len(rs) != 4 || rs[0].Data != 1 || rs[2].Data != 3 || !rs[3].Done || rs[3].Error != "" {
		t.Errorf("stream responses = %+v", rs)
	}
	if rs := byID["3"]; len(rs) != 1 || rs[0].Error != "nope" {
		t.Errorf("fail responses = %+v", rs)
	}
	if rs := byID["4"]; len(rs) != 1 || rs[0].Error == "" || !rs[0].Done {
		t.Errorf("unknown endpoint responses = %+v", rs)
	}
}
