package radiustrunk

import (
	"os"
	"testing"

	"github.com/francistor/radtrunk/core"
)

func TestMain(m *testing.M) {

	// Initialize the logger and the metrics
	core.SetupLogger("")
	core.SetupMetrics("127.0.0.1", 18103)

	// Execute the tests and exit
	exitCode := m.Run()
	core.MS.Close()
	os.Exit(exitCode)
}
