package vmfs

import "github.com/sirupsen/logrus"

// Logger is the subset of logrus's API this package calls. Callers that want
// their own structured-logging setup can pass any *logrus.Entry or
// *logrus.Logger through VolumeOptions/FSOptions; both satisfy it already.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

var defaultLogger Logger = logrus.StandardLogger()
