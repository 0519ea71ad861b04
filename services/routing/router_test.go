package routing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/conversation"
	"github.com/upb/llm-router/services/performance"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/providers/providertest"
	"go.uber.org/zap"
)

type fixture struct {
	registry *providers.Registry
	tracker  *performance.Tracker
	store    *conversation.Store
	router   *Router
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	f := &fixture{now: time.Now()}
	f.registry = providers.NewRegistry(zap.NewNop())
	f.registry.SetClock(f.clock)
	f.tracker = performance.NewTracker(performance.DefaultConfig(), nil, zap.NewNop())
	f.store = conversation.NewStore(models.ContextBudget{}, nil, zap.NewNop())
	f.router = NewRouter(config, f.registry, f.tracker, f.store, zap.NewNop())
	return f
}

func (f *fixture) add(t *testing.T, id string, priority int, adapter *providertest.Adapter, caps ...models.Capability) {
	t.Helper()
	if len(caps) == 0 {
		caps = []models.Capability{models.CapabilityGenerate}
	}
	desc := models.NewModelDescriptor(id, adapter.Kind(), id+"-model", priority, caps...)
	require.NoError(t, f.registry.Register(desc, adapter))
}

func request(text string) *models.RoutingRequest {
	return &models.RoutingRequest{Text: text, ConversationID: "c1", Capability: models.CapabilityGenerate}
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []models.Outcome
	attempts  []models.FailureKind
	cooldowns map[string]int
}

func (m *recordingMetrics) ObserveRequest(outcome models.Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) ObserveAttempt(_ string, failure models.FailureKind, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, failure)
}

func (m *recordingMetrics) ObserveCooldown(backendID string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldowns == nil {
		m.cooldowns = make(map[string]int)
	}
	m.cooldowns[backendID] = level
}

type recordingDecisions struct {
	mu   sync.Mutex
	logs []*models.DecisionLog
}

func (d *recordingDecisions) LogDecision(log *models.DecisionLog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, log)
}

func TestRouter_PicksByPriorityWithoutHistory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cloud := providertest.New(models.ProviderKindOpenAI).Succeed("from cloud")
	local := providertest.New(models.ProviderKindOllama).Succeed("from local")
	f.add(t, "cloud-a", 0, cloud)
	f.add(t, "local-b", 10, local)

	result, err := f.router.Route(context.Background(), request("status"))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "local-b", result.ChosenBackendID)
	assert.Equal(t, "from local", result.Text)
	assert.Equal(t, []string{"local-b"}, result.AttemptedBackendIDs)
	assert.Equal(t, []string{"local-b", "cloud-a"}, result.Decision.Candidates)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, 0, cloud.Calls())

	conv, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "local-b", conv.Turns[0].BackendID)
	assert.Equal(t, "status", conv.Turns[0].Prompt)
	assert.Equal(t, "local-b", conv.ActiveBackendID)
}

func TestRouter_FallsBackOnTimeout(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cloud := providertest.New(models.ProviderKindOpenAI).Succeed("from cloud")
	local := providertest.New(models.ProviderKindOllama).Failing(models.FailureTimeout)
	f.add(t, "cloud-a", 0, cloud)
	f.add(t, "local-b", 10, local)

	result, err := f.router.Route(context.Background(), request("status"))
	require.NoError(t, err)

	assert.Equal(t, []string{"local-b", "cloud-a"}, result.AttemptedBackendIDs)
	assert.Equal(t, "cloud-a", result.ChosenBackendID)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, models.FailureTimeout, result.Attempts[0].FailureKind)
	assert.True(t, result.Attempts[1].Succeeded())

	conv, _ := f.store.Get(context.Background(), "c1")
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "cloud-a", conv.Turns[0].BackendID)

	assert.Equal(t, 1, f.tracker.Stats("local-b").Samples)
	assert.Equal(t, 1, f.tracker.ConsecutiveFailures("local-b"))
}

func TestRouter_AuthErrorsExhaustThenNoCandidate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cloud := providertest.New(models.ProviderKindOpenAI).Failing(models.FailureAuthError)
	local := providertest.New(models.ProviderKindOllama).Failing(models.FailureAuthError)
	f.add(t, "cloud-a", 0, cloud)
	f.add(t, "local-b", 10, local)

	result, err := f.router.Route(context.Background(), request("status"))
	require.Error(t, err)
	assert.True(t, services.IsExhaustedError(err))
	require.NotNil(t, result)
	assert.Equal(t, models.OutcomeExhausted, result.Outcome)
	assert.Empty(t, result.ChosenBackendID)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, models.FailureAuthError, result.Attempts[0].FailureKind)
	assert.Equal(t, models.FailureAuthError, result.Attempts[1].FailureKind)

	for _, id := range []string{"cloud-a", "local-b"} {
		desc, err := f.registry.Get(id)
		require.NoError(t, err)
		assert.False(t, desc.Available)
		assert.Equal(t, models.DisabledReasonAuth, desc.DisabledReason)
	}

	conv, _ := f.store.Get(context.Background(), "c1")
	assert.Empty(t, conv.Turns)

	result, err = f.router.Route(context.Background(), request("again"))
	assert.True(t, services.IsNoCandidateError(err))
	assert.Equal(t, models.OutcomeNoCandidateAvailable, result.Outcome)
	assert.Empty(t, result.AttemptedBackendIDs)
	assert.Equal(t, 1, cloud.Calls())
	assert.Equal(t, 1, local.Calls())
}

func TestRouter_NoCandidateMakesNoCalls(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	embedder := providertest.New(models.ProviderKindOpenAI)
	f.add(t, "embedder", 0, embedder, models.CapabilityEmbed)

	metrics := &recordingMetrics{}
	decisions := &recordingDecisions{}
	f.router.WithMetrics(metrics).WithDecisionLogger(decisions)

	result, err := f.router.Route(context.Background(), request("status"))
	require.Error(t, err)
	assert.True(t, services.IsNoCandidateError(err))
	assert.Equal(t, "generate", services.GetErrorDetails(err)["capability"])
	assert.Equal(t, models.OutcomeNoCandidateAvailable, result.Outcome)
	assert.Empty(t, result.Decision.Candidates)
	assert.Equal(t, 0, embedder.Calls())

	assert.Equal(t, []models.Outcome{models.OutcomeNoCandidateAvailable}, metrics.outcomes)
	require.Len(t, decisions.logs, 1)
	assert.Equal(t, models.OutcomeNoCandidateAvailable, decisions.logs[0].Outcome)
}

func TestRouter_NeverRetriesSameBackend(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	adapters := map[string]*providertest.Adapter{}
	for i, id := range []string{"a", "b", "c"} {
		adapters[id] = providertest.New(models.ProviderKindOpenAI).Failing(models.FailureProviderError)
		f.add(t, id, i, adapters[id])
	}

	result, err := f.router.Route(context.Background(), request("status"))
	assert.True(t, services.IsExhaustedError(err))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, result.AttemptedBackendIDs)
	assert.Len(t, result.AttemptedBackendIDs, 3)
	for id, a := range adapters {
		assert.Equal(t, 1, a.Calls(), id)
	}
	assert.Len(t, services.GetErrorDetails(err)["attempts"], 3)
}

func TestRouter_CooldownAfterConsecutiveFailures(t *testing.T) {
	config := DefaultConfig()
	config.CooldownThreshold = 3
	config.CooldownBase = time.Minute
	f := newFixture(t, config)

	flaky := providertest.New(models.ProviderKindOpenAI).Failing(models.FailureRateLimited)
	backup := providertest.New(models.ProviderKindOllama).Succeed("backup")
	f.add(t, "flaky", 10, flaky)
	f.add(t, "backup", 0, backup)

	// pin the flaky backend so it keeps being tried
	for i := 0; i < 3; i++ {
		req := request("status")
		req.Override = "flaky"
		result, err := f.router.Route(context.Background(), req)
		assert.True(t, services.IsExhaustedError(err), "attempt %d", i)
		assert.Equal(t, []string{"flaky"}, result.AttemptedBackendIDs)
	}

	desc, err := f.registry.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.CooldownLevel)
	assert.True(t, desc.CoolingDown(f.clock()))

	// cooling down: excluded, override ignored
	req := request("status")
	req.Override = "flaky"
	result, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "backup", result.ChosenBackendID)
	assert.Equal(t, []string{"backup"}, result.Decision.Candidates)
	assert.Equal(t, 3, flaky.Calls())

	// eligible again once the window elapses
	f.advance(time.Minute + time.Second)
	flaky.Succeed("recovered")
	req = request("status")
	req.Override = "flaky"
	result, err = f.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "flaky", result.ChosenBackendID)

	desc, _ = f.registry.Get("flaky")
	assert.Equal(t, 0, desc.CooldownLevel)
	assert.Equal(t, 0, f.tracker.ConsecutiveFailures("flaky"))
}

func TestRouter_CooldownEscalates(t *testing.T) {
	config := DefaultConfig()
	config.CooldownThreshold = 1
	config.CooldownBase = time.Minute
	f := newFixture(t, config)
	flaky := providertest.New(models.ProviderKindOpenAI).Failing(models.FailureProviderError)
	f.add(t, "flaky", 0, flaky)

	metrics := &recordingMetrics{}
	f.router.WithMetrics(metrics)

	_, err := f.router.Route(context.Background(), request("one"))
	assert.True(t, services.IsExhaustedError(err))
	first, _ := f.registry.Get("flaky")
	assert.Equal(t, f.clock().Add(time.Minute), first.CooldownUntil)

	f.advance(2 * time.Minute)
	_, err = f.router.Route(context.Background(), request("two"))
	assert.True(t, services.IsExhaustedError(err))
	second, _ := f.registry.Get("flaky")
	assert.Equal(t, 2, second.CooldownLevel)
	assert.Equal(t, f.clock().Add(2*time.Minute), second.CooldownUntil)
	assert.Equal(t, 2, metrics.cooldowns["flaky"])
}

func TestConfig_CooldownDuration(t *testing.T) {
	c := Config{CooldownBase: 30 * time.Second, CooldownFactor: 2, CooldownMax: 2 * time.Minute}

	tests := []struct {
		level int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 2 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.CooldownDuration(tt.level), "level %d", tt.level)
	}
}

func TestRouter_Override(t *testing.T) {
	t.Run("eligible override is used alone", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		top := providertest.New(models.ProviderKindOpenAI)
		pinned := providertest.New(models.ProviderKindAnthropic).Succeed("pinned")
		f.add(t, "top", 10, top)
		f.add(t, "pinned", 0, pinned)

		req := request("status")
		req.Override = "pinned"
		result, err := f.router.Route(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "pinned", result.ChosenBackendID)
		assert.Equal(t, []string{"pinned"}, result.Decision.Candidates)
		assert.Equal(t, 0, top.Calls())
	})

	t.Run("unknown override falls back to ranking", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.add(t, "top", 10, providertest.New(models.ProviderKindOpenAI))

		req := request("status")
		req.Override = "missing"
		result, err := f.router.Route(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "top", result.ChosenBackendID)
	})

	t.Run("override lacking capability is ignored", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.add(t, "embedder", 10, providertest.New(models.ProviderKindOpenAI), models.CapabilityEmbed)
		f.add(t, "chat", 0, providertest.New(models.ProviderKindOpenAI))

		req := request("status")
		req.Override = "embedder"
		result, err := f.router.Route(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "chat", result.ChosenBackendID)
	})
}

func TestRouter_PerformanceOutranksPriority(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	slowA := providertest.New(models.ProviderKindOpenAI)
	b := providertest.New(models.ProviderKindOllama)
	f.add(t, "a", 10, slowA)
	f.add(t, "b", 0, b)

	for i := 0; i < 5; i++ {
		f.tracker.Record("a", 100*time.Millisecond, models.OutcomeFromFailure(models.FailureProviderError))
		f.tracker.Record("b", 100*time.Millisecond, models.OutcomeSuccess)
	}
	// keep "a" out of cooldown; only ranking matters here
	f.tracker.Record("a", 100*time.Millisecond, models.OutcomeSuccess)

	result, err := f.router.Route(context.Background(), request("status"))
	require.NoError(t, err)
	assert.Equal(t, "b", result.ChosenBackendID)
	assert.Equal(t, []string{"b", "a"}, result.Decision.Candidates)
}

func TestRouter_CarriesConversationHistory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := providertest.New(models.ProviderKindOpenAI).Succeed("hello")
	f.add(t, "first", 10, first)

	_, err := f.router.Route(context.Background(), request("hi"))
	require.NoError(t, err)

	require.NoError(t, f.registry.SetAvailability("first", false, models.DisabledReasonAdmin))
	second := providertest.New(models.ProviderKindAnthropic).Succeed("still here")
	f.add(t, "second", 0, second)

	_, err = f.router.Route(context.Background(), request("you there?"))
	require.NoError(t, err)

	reqs := second.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}, reqs[0].History)
	assert.Equal(t, "you there?", reqs[0].Text)

	conv, _ := f.store.Get(context.Background(), "c1")
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "second", conv.ActiveBackendID)
}

func TestRouter_Streaming(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	streamer := providertest.New(models.ProviderKindOpenAI).Then(providertest.Step{Chunks: []string{"he", "llo"}})
	f.add(t, "streamer", 0, streamer, models.CapabilityGenerate, models.CapabilityStream)

	req := request("hi")
	req.Capability = models.CapabilityStream
	result, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"he", "llo"}, result.Chunks)
	assert.Equal(t, "hello", result.Text)
	assert.True(t, streamer.Requests()[0].Stream)
}

func TestRouter_PassesCapabilityToAdapter(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	generator := providertest.New(models.ProviderKindOllama).Succeed("ok")
	f.add(t, "generator", 0, generator)

	_, err := f.router.Route(context.Background(), request("hi"))
	require.NoError(t, err)

	reqs := generator.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.CapabilityGenerate, reqs[0].Capability)
}

func TestRouter_Cancellation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	hanging := providertest.New(models.ProviderKindOpenAI).Hanging()
	backup := providertest.New(models.ProviderKindOllama)
	f.add(t, "hanging", 10, hanging)
	f.add(t, "backup", 0, backup)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-hanging.Entered()
		cancel()
	}()

	result, err := f.router.Route(ctx, request("status"))
	require.Error(t, err)
	assert.True(t, services.IsCancelledError(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, models.OutcomeCancelled, result.Outcome)
	assert.Equal(t, 0, backup.Calls())

	conv, _ := f.store.Get(context.Background(), "c1")
	assert.Empty(t, conv.Turns)
	assert.Equal(t, 0, f.tracker.Stats("hanging").Samples, "interrupted attempt is not recorded")
}

func TestRouter_AttemptTimeoutFallsBack(t *testing.T) {
	config := DefaultConfig()
	config.AttemptTimeout = 20 * time.Millisecond
	f := newFixture(t, config)
	f.add(t, "slow", 10, providertest.New(models.ProviderKindOpenAI).Hanging())
	f.add(t, "fast", 0, providertest.New(models.ProviderKindOllama).Succeed("fast"))

	result, err := f.router.Route(context.Background(), request("status"))
	require.NoError(t, err)
	assert.Equal(t, "fast", result.ChosenBackendID)
	assert.Equal(t, models.FailureTimeout, result.Attempts[0].FailureKind)
}

func TestRouter_RequestDeadlineStopsFallback(t *testing.T) {
	config := DefaultConfig()
	config.AttemptTimeout = time.Minute
	f := newFixture(t, config)
	f.add(t, "slow", 10, providertest.New(models.ProviderKindOpenAI).Hanging())
	backup := providertest.New(models.ProviderKindOllama)
	f.add(t, "backup", 0, backup)

	req := request("status")
	req.DeadlineMs = 30
	result, err := f.router.Route(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsExhaustedError(err))
	assert.Equal(t, []string{"slow"}, result.AttemptedBackendIDs)
	assert.Equal(t, 0, backup.Calls())
}

func TestRouter_SerializesConversation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := providertest.New(models.ProviderKindOpenAI).Then(providertest.Step{Text: "slow", Delay: 30 * time.Millisecond})
	f.add(t, "a", 0, a)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Route(context.Background(), request("hi"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reqs := a.Requests()
	require.Len(t, reqs, 2)
	// whichever ran second saw the first exchange
	assert.Len(t, reqs[0].History, 0)
	assert.Len(t, reqs[1].History, 2)

	conv, _ := f.store.Get(context.Background(), "c1")
	assert.Len(t, conv.Turns, 2)
}

func TestRouter_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	tests := []struct {
		name string
		req  *models.RoutingRequest
	}{
		{"nil request", nil},
		{"empty text", &models.RoutingRequest{Text: "  ", ConversationID: "c1"}},
		{"missing conversation", &models.RoutingRequest{Text: "hi"}},
		{"unknown capability", &models.RoutingRequest{Text: "hi", ConversationID: "c1", Capability: "summarize"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.router.Route(context.Background(), tt.req)
			assert.Nil(t, result)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestRouter_PublishesDecision(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.add(t, "a", 0, providertest.New(models.ProviderKindOpenAI).Failing(models.FailureRateLimited))
	f.add(t, "b", 0, providertest.New(models.ProviderKindOpenAI))

	decisions := &recordingDecisions{}
	metrics := &recordingMetrics{}
	f.router.WithDecisionLogger(decisions).WithMetrics(metrics)

	req := request("status")
	req.RequestID = "req-1"
	result, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "req-1", result.RequestID)

	require.Len(t, decisions.logs, 1)
	log := decisions.logs[0]
	assert.Equal(t, "req-1", log.RequestID)
	assert.Equal(t, "b", log.ChosenBackendID)
	assert.Equal(t, []string{"a", "b"}, log.Candidates)
	require.Len(t, log.Attempts, 2)

	assert.Equal(t, []models.FailureKind{models.FailureRateLimited, ""}, metrics.attempts)
	assert.Equal(t, []models.Outcome{models.OutcomeSucceeded}, metrics.outcomes)
}

func TestRouter_CandidateListFixedAtDecisionTime(t *testing.T) {
	config := DefaultConfig()
	config.AttemptTimeout = 200 * time.Millisecond
	f := newFixture(t, config)
	first := providertest.New(models.ProviderKindOpenAI).Hanging()
	second := providertest.New(models.ProviderKindOllama).Succeed("from second")
	late := providertest.New(models.ProviderKindAnthropic).Succeed("from late")
	f.add(t, "first", 10, first)
	f.add(t, "second", 5, second)

	mutated := make(chan struct{})
	go func() {
		defer close(mutated)
		<-first.Entered()
		desc := models.NewModelDescriptor("late", late.Kind(), "late-model", 20, models.CapabilityGenerate)
		assert.NoError(t, f.registry.Register(desc, late))
		assert.NoError(t, f.registry.Deregister("second"))
	}()

	result, err := f.router.Route(context.Background(), request("status"))
	<-mutated
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, result.Decision.Candidates)
	assert.Equal(t, []string{"first", "second"}, result.AttemptedBackendIDs)
	assert.Equal(t, "second", result.ChosenBackendID)
	assert.Equal(t, 1, second.Calls())
	assert.Equal(t, 0, late.Calls())

	// the next request sees the new registry state
	next, err := f.router.Route(context.Background(), request("again"))
	require.NoError(t, err)
	assert.NotContains(t, next.Decision.Candidates, "second")
	assert.Equal(t, "late", next.Decision.Candidates[0])
}

func TestRouter_DeadlineValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := providertest.New(models.ProviderKindOpenAI)
	f.add(t, "a", 0, a)

	for _, ms := range []int{-1, models.MaxDeadlineMs + 1, math.MaxInt} {
		req := request("status")
		req.DeadlineMs = ms
		result, err := f.router.Route(context.Background(), req)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Nil(t, result)
	}
	assert.Equal(t, 0, a.Calls())
}

func TestRouter_DeadlineBeforeDispatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := providertest.New(models.ProviderKindOpenAI)
	f.add(t, "a", 0, a)

	// another request holds the conversation past this one's deadline
	release, err := f.store.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	req := request("status")
	req.DeadlineMs = 20
	result, err := f.router.Route(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsDeadlineError(err))
	assert.False(t, services.IsExhaustedError(err))
	require.NotNil(t, result)
	assert.Equal(t, models.OutcomeDeadlineExceeded, result.Outcome)
	assert.Empty(t, result.Attempts)
	assert.Equal(t, 0, a.Calls())
}

type failingPersister struct{}

func (failingPersister) Load(context.Context, string) (*models.ConversationContext, error) {
	return nil, errors.New("redis unavailable")
}

func (failingPersister) Save(context.Context, *models.ConversationContext) error { return nil }

func (failingPersister) Delete(context.Context, string) error { return nil }

func TestRouter_ConversationLoadFailureStillReturnsResult(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := providertest.New(models.ProviderKindOpenAI)
	f.add(t, "a", 0, a)
	f.store = conversation.NewStore(models.ContextBudget{}, failingPersister{}, zap.NewNop())
	decisions := &recordingDecisions{}
	f.router = NewRouter(DefaultConfig(), f.registry, f.tracker, f.store, zap.NewNop()).WithDecisionLogger(decisions)

	result, err := f.router.Route(context.Background(), request("status"))
	require.Error(t, err)
	assert.True(t, services.IsInternalError(err))
	require.NotNil(t, result)
	assert.Equal(t, models.OutcomeInternalError, result.Outcome)
	assert.Equal(t, []string{"a"}, result.Decision.Candidates)
	assert.Equal(t, 0, a.Calls())
	require.Len(t, decisions.logs, 1)
}
