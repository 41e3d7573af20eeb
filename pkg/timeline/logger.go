package timeline

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "timeline")

func SetLogger(l *logrus.Entry) {
	logger = l
}
