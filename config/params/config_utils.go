package params

import (
	"sync"
	"testing"
)

var orchestratorConfig = DefaultConfig()
var orchestratorConfigLock sync.RWMutex

// OrchConfig retrieves the active orchestrator config.
func OrchConfig() *OrchestratorConfig {
	orchestratorConfigLock.RLock()
	defer orchestratorConfigLock.RUnlock()
	return orchestratorConfig
}

// OverrideOrchConfig by replacing the config. The preferred pattern is to
// call OrchConfig().Copy(), change the specific parameters, and then call
// OverrideOrchConfig(c). Any subsequent calls to params.OrchConfig() will
// return this new configuration.
func OverrideOrchConfig(c *OrchestratorConfig) {
	orchestratorConfigLock.Lock()
	defer orchestratorConfigLock.Unlock()
	orchestratorConfig = c
}

// Copy returns a copy of the config object.
func (c *OrchestratorConfig) Copy() *OrchestratorConfig {
	orchestratorConfigLock.RLock()
	defer orchestratorConfigLock.RUnlock()
	config := *c
	return &config
}

// SetupTestConfigCleanup preserves the active config and restores it when the
// test and all its subtests complete.
func SetupTestConfigCleanup(t testing.TB) {
	prev := OrchConfig()
	t.Cleanup(func() {
		OverrideOrchConfig(prev)
	})
}
