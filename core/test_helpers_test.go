package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingWaiter advances the test clock instead of sleeping.
type recordingWaiter struct {
	mu     sync.Mutex
	clock  *testClock
	delays []time.Duration
	onWait func(ctx context.Context, delay time.Duration) error
}

func (w *recordingWaiter) Wait(ctx context.Context, delay time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, delay)
	w.mu.Unlock()
	if w.onWait != nil {
		if err := w.onWait(ctx, delay); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.clock != nil {
		w.clock.Advance(delay)
	}
	return nil
}

func (w *recordingWaiter) Delays() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

type callRecord struct {
	at         time.Time
	model      string
	credential Credential
	attempt    int
}

// scriptedCaller replays responses in order and repeats the last one.
type scriptedCaller struct {
	mu        sync.Mutex
	clock     *testClock
	responses []CallResponse
	errs      []error
	calls     []callRecord
	callFn    func(ctx context.Context, req CallRequest) (CallResponse, error)
}

func (c *scriptedCaller) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	c.mu.Lock()
	index := len(c.calls)
	at := time.Now().UTC()
	if c.clock != nil {
		at = c.clock.Now()
	}
	c.calls = append(c.calls, callRecord{at: at, model: req.Model, credential: req.Credential.Clone(), attempt: req.Attempt})
	c.mu.Unlock()

	if c.callFn != nil {
		return c.callFn(ctx, req)
	}
	var resp CallResponse
	if len(c.responses) > 0 {
		if index < len(c.responses) {
			resp = c.responses[index]
		} else {
			resp = c.responses[len(c.responses)-1]
		}
	}
	var err error
	if index < len(c.errs) {
		err = c.errs[index]
	}
	return resp, err
}

func (c *scriptedCaller) Calls() []callRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]callRecord(nil), c.calls...)
}

type countingRefresher struct {
	mu    sync.Mutex
	count int
	fn    func(ctx context.Context, credential Credential) (Credential, error)
}

func (r *countingRefresher) Refresh(ctx context.Context, credential Credential) (Credential, error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return r.fn(ctx, credential)
}

func (r *countingRefresher) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type staticAPIKeys map[string]string

func (k staticAPIKeys) ResolveAPIKey(providerID string) (Credential, bool) {
	value, ok := k[providerID]
	if !ok || value == "" {
		return Credential{}, false
	}
	return Credential{ProviderID: providerID, Kind: CredentialKindAPIKey, Secret: []byte(value)}, true
}

type failingStore struct {
	err error
}

func (s failingStore) Get(context.Context, string) (Credential, error) {
	return Credential{}, s.err
}

func (s failingStore) Put(context.Context, string, Credential) error {
	return s.err
}

func (s failingStore) Delete(context.Context, string) error {
	return s.err
}

var errDiskGone = errors.New("disk gone")

func boolPtr(value bool) *bool {
	return &value
}

// testGatewayConfig declares two providers with one tier each and a
// fallback chain alpha -> beta.
func testGatewayConfig() Config {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{
		"alpha": {
			Tiers:          []TierConfig{{Name: "fast", Model: "alpha-fast"}, {Name: "deep", Model: "alpha-deep"}},
			APIKeyFallback: true,
		},
		"beta": {
			Tiers: []TierConfig{{Name: "std", Model: "beta-std"}},
		},
	}
	cfg.Routing.Fallback.Chain = []CandidateConfig{
		{Provider: "alpha", Tier: "fast"},
		{Provider: "beta", Tier: "std"},
	}
	return cfg
}

func oauthCredential(providerID string, token string, expiresAt time.Time) Credential {
	return Credential{
		ProviderID:    providerID,
		Kind:          CredentialKindOAuthAccess,
		Secret:        []byte(token),
		RefreshSecret: []byte("refresh-" + token),
		TokenType:     "Bearer",
		ExpiresAt:     &expiresAt,
	}
}

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) hasCounter(name string, tags map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, counter := range m.counters {
		if counter.name != name {
			continue
		}
		if tagsMatch(counter.tags, tags) {
			return true
		}
	}
	return false
}

func (m *captureMetricsRecorder) hasHistogram(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, histogram := range m.histograms {
		if histogram.name == name {
			return true
		}
	}
	return false
}

func tagsMatch(actual map[string]string, expected map[string]string) bool {
	for key, value := range expected {
		if actual[key] != value {
			return false
		}
	}
	return true
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func hasLog(records []capturedLog, level string, msg string) (capturedLog, bool) {
	for _, record := range records {
		if record.level == level && strings.Contains(record.msg, msg) {
			return record, true
		}
	}
	return capturedLog{}, false
}
