package config

import "sync"

// ResetForTesting resets the global config state to allow testing different
// configurations in the same test run. This function is only available in
// this package's test builds and should be called between tests that need
// different configurations.
//
// Example usage:
//
//	func TestWithCustomConfig(t *testing.T) {
//	    t.Cleanup(ResetForTesting)
//	    // Set up custom config file...
//	    cfg, err := Get()
//	    // ... test with custom config
//	}
func ResetForTesting() {
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}
