package router

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/clp-proxy/clp/internal/config"
)

// Routing modes.
const (
	ModeDefault       = "default"
	ModeModelMapping  = "model-mapping"
	ModeConfigMapping = "config-mapping"
)

// ModelMapping rewrites the request model. source_type "model" matches the
// request model; "config" matches the config the balancer would use.
type ModelMapping struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type"`
	Target     string `json:"target"`
}

// ConfigMapping pins requests for a model to a named upstream config.
type ConfigMapping struct {
	Model  string `json:"model"`
	Config string `json:"config"`
}

type routerFile struct {
	Mode           string                     `json:"mode"`
	ModelMappings  map[string][]ModelMapping  `json:"modelMappings"`
	ConfigMappings map[string][]ConfigMapping `json:"configMappings"`

	// Whether a failing forced config may fall back to balancer candidates.
	AllowForcedFallback bool `json:"allowForcedFallback,omitempty"`
}

// Decision is the outcome of routing one request.
type Decision struct {
	Body          []byte // request body, possibly with a rewritten model
	ForcedConfig  string // non-empty in config-mapping mode on a hit
	Model         string // model after any rewrite, "" if not extractable
	AllowFallback bool   // forced-config fallback knob
}

// Env supplies the routing context the engine owns.
type Env struct {
	// CurrentConfig lazily names the config the balancer would pick; used by
	// source_type=config mappings only.
	CurrentConfig func() string
	// ConfigExists validates config-mapping targets.
	ConfigExists func(name string) bool
}

// Router applies data/model_router_config.json, hot-reloaded by signature.
type Router struct {
	path string

	mu     sync.Mutex
	sig    config.Signature
	loaded bool
	file   routerFile
}

func New(dataDir string) *Router {
	return &Router{path: filepath.Join(dataDir, "model_router_config.json")}
}

// Route inspects a JSON request body and applies the configured mapping mode.
// Non-JSON bodies and bodies without a model are passed through unchanged.
func (r *Router) Route(service string, body []byte, modelPath string, env Env) Decision {
	file := r.current()
	d := Decision{Body: body, AllowFallback: file.AllowForcedFallback}

	if len(body) == 0 || !gjson.ValidBytes(body) {
		return d
	}
	model := gjson.GetBytes(body, modelPath).String()
	d.Model = model
	if model == "" || file.Mode == ModeDefault {
		return d
	}

	switch file.Mode {
	case ModeModelMapping:
		for _, m := range file.ModelMappings[service] {
			if m.Source == "" || m.Target == "" {
				continue
			}
			switch m.SourceType {
			case "config":
				if env.CurrentConfig == nil || env.CurrentConfig() != m.Source {
					continue
				}
			case "", "model":
				if model != m.Source {
					continue
				}
			default:
				continue
			}
			rewritten, err := sjson.SetBytes(body, modelPath, m.Target)
			if err != nil {
				slog.Warn("model rewrite failed", "service", service, "target", m.Target, "error", err)
				return d
			}
			d.Body = rewritten
			d.Model = m.Target
			return d
		}

	case ModeConfigMapping:
		for _, m := range file.ConfigMappings[service] {
			if m.Model == "" || m.Config == "" || model != m.Model {
				continue
			}
			if env.ConfigExists != nil && !env.ConfigExists(m.Config) {
				slog.Warn("config mapping target missing", "service", service, "config", m.Config)
				continue
			}
			d.ForcedConfig = m.Config
			return d
		}
	}

	return d
}

func (r *Router) current() routerFile {
	sig := config.Stat(r.path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded && sig == r.sig {
		return r.file
	}
	r.sig = sig
	r.loaded = true

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("routing config unreadable, using defaults", "path", r.path, "error", err)
		}
		r.file = routerFile{Mode: ModeDefault}
		return r.file
	}

	var file routerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("routing config broken, using defaults", "path", r.path, "error", err)
		r.file = routerFile{Mode: ModeDefault}
		return r.file
	}
	if file.Mode == "" {
		file.Mode = ModeDefault
	}
	r.file = file
	return r.file
}
