package catmint

import (
	"testing"

	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/stretchr/testify/require"
)

// TestSetupLoggers makes sure the logger of every subsystem is registered
// with the root writer.
func TestSetupLoggers(t *testing.T) {
	root := build.NewRotatingLogWriter()
	SetupLoggers(root, signal.Interceptor{})

	subsystems := root.SupportedSubsystems()
	for _, l := range pkgLoggers {
		require.Contains(t, subsystems, l.subsystem)
	}
	for _, sub := range subPackageLoggers {
		require.Contains(t, subsystems, sub.subsystem)
	}

	err := build.ParseAndSetDebugLevels("MGDN=debug,info", root)
	require.NoError(t, err)
}
