// Package bridge exposes named request and stream endpoints over a pair of
// channels. Every handler waits for a one-time open step (the store) to
// finish before it runs.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	appLog "calsync/internal/log"
)

// ErrUnknownEndpoint is returned for endpoints nobody registered.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Kind selects between a single response and a stream of them.
type Kind string

const (
	KindMethod Kind = "method"
	KindStream Kind = "stream"
)

// Request is one inbound call.
type Request struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Endpoint string          `json:"endpoint"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. A method produces exactly one Response with
// Done set. A stream produces zero or more Data responses followed by one
// with Done set. Error is set on failure, which also ends the exchange.
// Pushes not tied to a request carry only Endpoint and Data.
type Response struct {
	ID       string `json:"id,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Result   any    `json:"result,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// MethodHandler answers a request with one value.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// StreamHandler pushes zero or more values before returning.
type StreamHandler func(ctx context.Context, params json.RawMessage, push func(any) error) error

// OpenFunc performs the one-time open step.
type OpenFunc func(ctx context.Context) error

// State of the open step.
type State int

const (
	Unopened State = iota
	Opening
	Opened
	OpenFailed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Opening:
		return "opening"
	case Opened:
		return "opened"
	case OpenFailed:
		return "open failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Future resolves once the open step has finished.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the open step has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the open step finishes or ctx ends. Abandoning the wait
// does not cancel the open.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Service is a registry of endpoints gated on one open step.
type Service struct {
	open OpenFunc

	mu     sync.Mutex
	state  State
	future *Future

	hmu     sync.RWMutex
	methods map[string]MethodHandler
	streams map[string]StreamHandler
}

func New(open OpenFunc) *Service {
	return &Service{
		open:    open,
		methods: make(map[string]MethodHandler),
		streams: make(map[string]StreamHandler),
	}
}

// Start begins the open step once and returns its Future. Later and
// concurrent calls get the same Future. A failed open stays failed.
func (s *Service) Start(ctx context.Context) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.future != nil {
		return s.future
	}

	f := &Future{done: make(chan struct{})}
	s.future = f
	s.state = Opening

	// The open outlives whichever caller happened to trigger it.
	openCtx := context.WithoutCancel(ctx)
	go func() {
		err := s.open(openCtx)

		s.mu.Lock()
		if err != nil {
			s.state = OpenFailed
		} else {
			s.state = Opened
		}
		s.mu.Unlock()

		if err != nil {
			appLog.Error("bridge open failed", err)
		} else {
			appLog.Info("bridge opened")
		}
		f.err = err
		close(f.done)
	}()
	return f
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Method registers a request/response endpoint.
func (s *Service) Method(endpoint string, h MethodHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.methods[endpoint] = h
}

// Stream registers a streaming endpoint.
func (s *Service) Stream(endpoint string, h StreamHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.streams[endpoint] = h
}

// Endpoints lists the registered method and stream names, sorted.
func (s *Service) Endpoints() (methods, streams []string) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	for name := range s.methods {
		methods = append(methods, name)
	}
	for name := range s.streams {
		streams = append(streams, name)
	}
	sort.Strings(methods)
	sort.Strings(streams)
	return methods, streams
}

// Call waits for Start and runs a method endpoint.
func (s *Service) Call(ctx context.Context, endpoint string, params json.RawMessage) (any, error) {
	s.hmu.RLock()
	h, ok := s.methods[endpoint]
	s.hmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	if err := s.Start(ctx).Wait(ctx); err != nil {
		return nil, err
	}
	return h(ctx, params)
}

// OpenStream waits for Start and runs a stream endpoint, handing each
// value to push.
func (s *Service) OpenStream(ctx context.Context, endpoint string, params json.RawMessage, push func(any) error) error {
	s.hmu.RLock()
	h, ok := s.streams[endpoint]
	s.hmu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	if err := s.Start(ctx).Wait(ctx); err != nil {
		return err
	}
	return h(ctx, params, push)
}

// Serve reads requests from in until it is closed or ctx ends, running each
// in its own goroutine and writing responses to out. Serve returns after
// every started request has finished; out is never written after that.
func (s *Service) Serve(ctx context.Context, in <-chan Request, out chan<- Response) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-in:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, req, out)
			}()
		}
	}
}

func (s *Service) handle(ctx context.Context, req Request, out chan<- Response) {
	send := func(r Response) error {
		select {
		case out <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	final := Response{ID: req.ID, Done: true}

	switch req.Kind {
	case KindMethod, "":
		res, err := s.Call(ctx, req.Endpoint, req.Params)
		if err != nil {
			final.Error = err.Error()
		} else {
			final.Result = res
		}
	case KindStream:
		err := s.OpenStream(ctx, req.Endpoint, req.Params, func(v any) error {
			return send(Response{ID: req.ID, Data: v})
		})
		if err != nil {
			final.Error = err.Error()
		}
	default:
		final.Error = fmt.Sprintf("unknown request kind %q", req.Kind)
	}

	if final.Error != "" {
		appLog.Debug("bridge request failed", "id", req.ID, "endpoint", req.Endpoint, "error", final.Error)
	}
	_ = send(final)
}
