package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MTT_BILLING_TEST_MODE") == "" {
			_ = os.Setenv("MTT_BILLING_TEST_MODE", "1")
		}
	})
}
