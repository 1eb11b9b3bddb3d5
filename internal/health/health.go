package health

import (
	"context"
	"fmt"
	"time"

	"voicedesk/agent/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Pinger reaches the exchange backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, cfg config.Config, backend Pinger) HealthStatus {
	checks := []CheckResult{
		checkExchange(ctx, backend),
		checkSTT(cfg),
		checkClientAuth(cfg),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func checkExchange(ctx context.Context, backend Pinger) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "exchange"}
	if backend == nil {
		result.Error = "exchange client not configured"
		return result
	}
	err := backend.Ping(ctx)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("ping failed: %v", err)
		return result
	}
	result.OK = true
	return result
}

// checkSTT only inspects configuration.
func checkSTT(cfg config.Config) CheckResult {
	result := CheckResult{Name: "stt"}
	switch cfg.STT.Provider {
	case "", "backend":
		result.OK = true
	case "openai":
		if cfg.STT.OpenAIAPIKey == "" {
			result.Error = "OPENAI_API_KEY not set"
			return result
		}
		result.OK = true
	default:
		result.Error = fmt.Sprintf("unknown STT_PROVIDER %q", cfg.STT.Provider)
	}
	return result
}

func checkClientAuth(cfg config.Config) CheckResult {
	result := CheckResult{Name: "client_auth"}
	if cfg.Client.TokenSecret == "" {
		result.Error = "CLIENT_TOKEN_SECRET not set"
		return result
	}
	result.OK = true
	return result
}
