package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockCall records one Synthesize invocation for assertions.
type MockCall struct {
	Prompt  string
	Attempt int // 1-based count of calls for this prompt
	At      time.Time
}

// MockIllustrator is a test double for the illustration service. The
// Script hook decides the outcome of each call; the mock records call
// timestamps and tracks concurrent in-flight requests.
type MockIllustrator struct {
	// Latency is the simulated duration of each call.
	Latency time.Duration

	// Script decides the outcome for a call; a nil Script or nil
	// return produces a successful synthetic image. The attempt
	// argument is the 1-based call count for that prompt.
	Script func(prompt string, attempt int) error

	// Image is the payload returned on success. Defaults to a small
	// synthetic PNG-ish byte string.
	Image []byte

	mu          sync.Mutex
	calls       []MockCall
	promptCount map[string]int
	inFlight    int
	maxInFlight int
}

// NewMockIllustrator creates a mock with no latency and an always
// succeeding script.
func NewMockIllustrator() *MockIllustrator {
	return &MockIllustrator{
		promptCount: make(map[string]int),
	}
}

func (m *MockIllustrator) Name() string                  { return "mock" }
func (m *MockIllustrator) RequestsPerMinute() int        { return 4 }
func (m *MockIllustrator) MaxRetries() int               { return 2 }
func (m *MockIllustrator) RetryDelayBase() time.Duration { return time.Millisecond }

// Synthesize simulates one illustration call.
func (m *MockIllustrator) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	start := time.Now()

	m.mu.Lock()
	if m.promptCount == nil {
		m.promptCount = make(map[string]int)
	}
	m.promptCount[req.Prompt]++
	attempt := m.promptCount[req.Prompt]
	m.calls = append(m.calls, MockCall{Prompt: req.Prompt, Attempt: attempt, At: start})
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	script := m.Script
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	if script != nil {
		if err := script(req.Prompt, attempt); err != nil {
			return &SynthesisResult{
				Provider:      m.Name(),
				ModelUsed:     "mock-image-1",
				RequestID:     req.RequestID,
				ErrorType:     ErrorType(err),
				ErrorMessage:  err.Error(),
				ExecutionTime: time.Since(start),
			}, err
		}
	}

	image := m.Image
	if image == nil {
		image = []byte(fmt.Sprintf("mock image for %q (attempt %d)", req.Prompt, attempt))
	}

	return &SynthesisResult{
		Success:       true,
		Image:         image,
		Provider:      m.Name(),
		ModelUsed:     "mock-image-1",
		RequestID:     req.RequestID,
		ExecutionTime: time.Since(start),
	}, nil
}

// Calls returns a copy of the recorded calls in order.
func (m *MockIllustrator) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the total number of Synthesize invocations.
func (m *MockIllustrator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// PromptCalls returns how many times a prompt was attempted.
func (m *MockIllustrator) PromptCalls(prompt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promptCount[prompt]
}

// MaxInFlight returns the peak number of concurrent calls observed.
func (m *MockIllustrator) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

var _ Illustrator = (*MockIllustrator)(nil)
