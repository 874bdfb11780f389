package proxy

import "github.com/clp-proxy/clp/internal/usage"

// Service carries the per-service specialization the engine is generic over:
// which usage schema the upstream speaks, where the model lives in request
// bodies, and how to build a minimal probe request.
type Service struct {
	Name      string
	Dialect   string
	ModelPath string
	ProbePath string
	ProbeBody string
}

// Claude describes the Anthropic-compatible service on port 3210.
func Claude() Service {
	return Service{
		Name:      "claude",
		Dialect:   usage.DialectClaude,
		ModelPath: "model",
		ProbePath: "/v1/messages",
		ProbeBody: `{"model":"claude-3-5-haiku-20241022","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
	}
}

// Codex describes the OpenAI-compatible service on port 3211.
func Codex() Service {
	return Service{
		Name:      "codex",
		Dialect:   usage.DialectCodex,
		ModelPath: "model",
		ProbePath: "/v1/responses",
		ProbeBody: `{"model":"gpt-5","input":"ping","max_output_tokens":16,"stream":false}`,
	}
}
