package notifications

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "notifications")

func SetLogger(l *logrus.Entry) {
	logger = l
}
