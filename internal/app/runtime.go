package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "AGROBOOKS_TEST_MODE"

var (
	testModeOnce sync.Once
	testMode     atomic.Bool
)

// InTestMode reports whether binaries should skip connecting to Postgres,
// Redis and the PDF renderer. The flag is read once from AGROBOOKS_TEST_MODE.
func InTestMode() bool {
	testModeOnce.Do(RefreshTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads AGROBOOKS_TEST_MODE.
func RefreshTestMode() {
	testMode.Store(os.Getenv(testModeEnv) == "1")
}
