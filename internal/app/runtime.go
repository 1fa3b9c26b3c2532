package app

import (
	"os"
	"strconv"
)

const testModeEnv = "INVOICING_TEST_MODE"

// InTestMode reports whether process entrypoints should return before touching
// Postgres, Redis or the network. INVOICING_TEST_MODE accepts any value
// strconv.ParseBool understands.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
}
