package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Finetune is an override document applied on top of a trained run's
// configuration. ConfigUpdate merges over the base per the usual rules;
// FreezeComponents and ModelUpdate are opaque to the pipeline and handed to
// the model builder.
type Finetune struct {
	ConfigUpdate     map[string]any `yaml:"config_update"`
	AdditionalEpochs int            `yaml:"additional_epochs"`
	ResetLR          bool           `yaml:"reset_lr"`
	FreezeComponents []string       `yaml:"freeze_components"`
	ModelUpdate      map[string]any `yaml:"model_update"`
}

// LoadFinetune reads a finetune override document.
func LoadFinetune(path string) (*Finetune, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Option: path, Reason: fmt.Sprintf("read: %v", err)}
	}
	var ft Finetune
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, &ConfigError{Option: path, Reason: fmt.Sprintf("parse: %v", err)}
	}
	return &ft, nil
}

// ApplyFinetune re-resolves the base configuration with the finetune deltas.
// stopEpoch is the epoch the loaded checkpoint stopped at: training continues
// for AdditionalEpochs beyond it, and ResetLR restarts the decay schedule
// from there.
func ApplyFinetune(base *Config, ft *Finetune, stopEpoch int) (*Config, error) {
	update := map[string]any{
		"num_epochs": stopEpoch + ft.AdditionalEpochs,
	}
	if ft.ResetLR {
		update["transition_begin"] = stopEpoch
	} else {
		update["transition_begin"] = 0
	}
	if len(ft.FreezeComponents) > 0 {
		update["freeze_components"] = toAnySlice(ft.FreezeComponents)
	}
	if len(ft.ModelUpdate) > 0 {
		update["model_update"] = ft.ModelUpdate
	}
	return Resolve(base.Map(), update, ft.ConfigUpdate)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
