package config

import "encoding/json"

// ChangedSections names the top-level sections that differ between two
// configs, for reload logging and for deciding which services need Apply.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return []string{"all"}
	}
	var out []string
	add := func(name string, a, b any) {
		if sectionHash(a) != sectionHash(b) {
			out = append(out, name)
		}
	}
	add("telegram", oldCfg.Telegram, newCfg.Telegram)
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("storage", oldCfg.Storage, newCfg.Storage)
	add("engine", oldCfg.Engine, newCfg.Engine)
	add("executor", oldCfg.Executor, newCfg.Executor)
	add("sender", oldCfg.Sender, newCfg.Sender)
	add("openai", oldCfg.OpenAI, newCfg.OpenAI)
	add("maintenance", oldCfg.Maintenance, newCfg.Maintenance)
	return out
}

func sectionHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
