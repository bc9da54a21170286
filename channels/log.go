package channels

import (
	"github.com/gcash/bchlog"
)

var log = bchlog.Disabled

// UseLogger sets the package-wide logger.  Any calls to this function must be
// made before a manager is created and used (it is not concurrent safe).
func UseLogger(logger bchlog.Logger) {
	log = logger
}
