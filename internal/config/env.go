package config

import (
	"strconv"

	"github.com/gobuffalo/envy"
)

// EnvOverride applies the FEL_MASTER_ADDR / FEL_MASTER_PORT environment
// contract on top of an already-loaded config: a set env var wins over
// whatever the config file or defaults supplied, letting a container
// orchestrator pin the master address without touching fel.yaml.
func EnvOverride(cfg *Config) error {
	if addr := envy.Get("FEL_MASTER_ADDR", ""); addr != "" {
		cfg.Master.Addr = addr
	}
	if portStr := envy.Get("FEL_MASTER_PORT", ""); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		cfg.Master.Port = port
	}
	return nil
}
