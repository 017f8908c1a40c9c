// Package common provides the shared logging and error infrastructure for the
// ModelForge control plane. Log output is routed by level so that errors land
// on stderr while informational output goes to stdout, which keeps container
// log pipelines and shell scripting sane.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. Error-level lines (and above) are written to stderr so that
// orchestrators and log aggregators can treat them separately; everything
// else goes to stdout.
//
// The splitter operates on the final formatted output and therefore works
// with both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for an
// error-or-worse level marker and selects the output stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. All services log through it (or
// through a ContextLogger derived from it) so formatting and routing stay
// uniform across the API server, workers, and the reaper.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
