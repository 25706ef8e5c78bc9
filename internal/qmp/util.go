package qmp

import (
	"os"
	"time"
)

// nowFunc and statExists are indirections over time.Now/os.Stat so
// waitForSocket's polling loop can be exercised in tests without a real
// QEMU process.
var (
	nowFunc    = time.Now
	statExists = func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}
)
