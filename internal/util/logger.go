// internal/util/logger.go
package util

import (
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

// NewLogger returns a named child of the process-wide logger installed with
// ctrl.SetLogger, carrying keysAndValues on every line
func NewLogger(name string, keysAndValues ...interface{}) logr.Logger {
	log := ctrl.Log.WithName(name)
	if len(keysAndValues) > 0 {
		log = log.WithValues(keysAndValues...)
	}
	return log
}
