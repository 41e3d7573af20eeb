package settings

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "settings")

func SetLogger(l *logrus.Entry) {
	logger = l
}
