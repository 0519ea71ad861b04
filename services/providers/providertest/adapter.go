// Package providertest provides a scriptable providers.Adapter for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/providers"
)

// Step is one scripted Invoke outcome
type Step struct {
	Text   string
	Chunks []string
	Fail   models.FailureKind
	Delay  time.Duration
	Hang   bool
}

// Adapter replays scripted steps, then repeats the default step
type Adapter struct {
	mu       sync.Mutex
	kind     models.ProviderKind
	steps    []Step
	def      Step
	calls    int
	requests []*providers.InvokeRequest
	probe    providers.ProbeResult
	entered  chan struct{}
}

// New returns an adapter that answers "ok"
func New(kind models.ProviderKind) *Adapter {
	return &Adapter{
		kind:    kind,
		def:     Step{Text: "ok"},
		probe:   providers.ProbeResult{Available: true, Latency: time.Millisecond},
		entered: make(chan struct{}, 64),
	}
}

// Succeed sets the default step to a successful reply
func (a *Adapter) Succeed(text string) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.def = Step{Text: text}
	return a
}

// Failing sets the default step to a failure of kind
func (a *Adapter) Failing(kind models.FailureKind) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.def = Step{Fail: kind}
	return a
}

// Hanging makes every call block until its context ends
func (a *Adapter) Hanging() *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.def = Step{Hang: true}
	return a
}

// Then queues steps consumed before the default applies
func (a *Adapter) Then(steps ...Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, steps...)
	return a
}

// SetProbe sets the result returned by Probe
func (a *Adapter) SetProbe(result providers.ProbeResult) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probe = result
	return a
}

// Calls returns the number of Invoke calls
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Requests returns the requests seen so far
func (a *Adapter) Requests() []*providers.InvokeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*providers.InvokeRequest(nil), a.requests...)
}

// Entered receives a value each time Invoke starts
func (a *Adapter) Entered() <-chan struct{} {
	return a.entered
}

// Kind implements providers.Adapter
func (a *Adapter) Kind() models.ProviderKind {
	return a.kind
}

// Invoke implements providers.Adapter
func (a *Adapter) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.InvokeResponse, error) {
	a.mu.Lock()
	a.calls++
	a.requests = append(a.requests, req)
	step := a.def
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()

	select {
	case a.entered <- struct{}{}:
	default:
	}

	if step.Hang {
		<-ctx.Done()
		return nil, a.contextError(ctx.Err())
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, a.contextError(ctx.Err())
		}
	}
	if step.Fail != "" {
		return nil, providers.NewAdapterError(a.kind, step.Fail, 0, "scripted failure", nil)
	}

	text := step.Text
	if len(step.Chunks) > 0 && text == "" {
		for _, c := range step.Chunks {
			text += c
		}
	}
	return &providers.InvokeResponse{
		Text:   text,
		Chunks: step.Chunks,
		Model:  req.Model,
	}, nil
}

func (a *Adapter) contextError(err error) error {
	return providers.NewAdapterError(a.kind, providers.ClassifyTransportError(err), 0, "call interrupted", err)
}

// Probe implements providers.Adapter
func (a *Adapter) Probe(ctx context.Context) providers.ProbeResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probe
}
