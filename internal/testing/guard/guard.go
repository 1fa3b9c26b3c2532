// Package guard switches the process into test mode when imported, so
// entrypoints exercised from tests skip their runtime side effects.
package guard

import (
	"os"
	"sync"
)

// TestLinkSecret is the document link secret installed for tests.
const TestLinkSecret = "test-link-secret-0123456789"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("INVOICING_TEST_MODE") == "" {
			_ = os.Setenv("INVOICING_TEST_MODE", "1")
		}
		if os.Getenv("LINK_SECRET") == "" {
			_ = os.Setenv("LINK_SECRET", TestLinkSecret)
		}
	})
}
