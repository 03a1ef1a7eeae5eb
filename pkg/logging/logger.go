package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger writes to stderr; stdout belongs to command output.
func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stderr

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// For returns an entry tagged with the component name. It falls back to the
// logrus standard logger when InitLogger has not been called (tests, library use).
func For(component string) *logrus.Entry {
	base := Log
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("component", component)
}
