// Package guard switches the process into test mode when imported, so
// binaries and routers built inside tests skip network side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AGROBOOKS_TEST_MODE") == "" {
			_ = os.Setenv("AGROBOOKS_TEST_MODE", "1")
		}
	})
}
