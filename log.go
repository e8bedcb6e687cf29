package catmint

import (
	"github.com/btcsuite/btclog"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/catdb"
	"github.com/catmint/catmint/cattx"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/monitoring"
	"github.com/catmint/catmint/tracker"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// pkgLogger is a logger of the catmint package. It starts out as a
// placeholder and is swapped for a logger of the root writer once logging is
// set up.
type pkgLogger struct {
	btclog.Logger
	subsystem string
}

var (
	// pkgLoggers holds every logger of the catmint package.
	pkgLoggers []*pkgLogger

	catmLog = newPkgLogger("CATM")
	srvrLog = newPkgLogger("SRVR")
)

func newPkgLogger(subsystem string) *pkgLogger {
	l := &pkgLogger{
		Logger:    build.NewSubLogger(subsystem, nil),
		subsystem: subsystem,
	}
	pkgLoggers = append(pkgLoggers, l)

	return l
}

// subPackageLoggers maps the subsystem of every sub package to the function
// that installs its logger.
var subPackageLoggers = []struct {
	subsystem string
	use       func(btclog.Logger)
}{
	{mintgarden.Subsystem, mintgarden.UseLogger},
	{cattx.Subsystem, cattx.UseLogger},
	{tracker.Subsystem, tracker.UseLogger},
	{catdb.Subsystem, catdb.UseLogger},
	{address.Subsystem, address.UseLogger},
	{monitoring.Subsystem, monitoring.UseLogger},
}

// SetupLoggers creates the logger of every subsystem from the root writer and
// registers it, so its level can be changed through the debug level. A
// critical log message requests a shutdown from the interceptor.
func SetupLoggers(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) {

	shutdown := func() {
		if interceptor.Listening() {
			interceptor.RequestShutdown()
		}
	}
	genLogger := func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}

	for _, l := range pkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		root.RegisterSubLogger(l.subsystem, l.Logger)
	}
	signal.UseLogger(catmLog)

	for _, sub := range subPackageLoggers {
		logger := build.NewSubLogger(sub.subsystem, genLogger)
		root.RegisterSubLogger(sub.subsystem, logger)
		sub.use(logger)
	}
}
