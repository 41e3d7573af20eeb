package roomgraph

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "roomgraph")

func SetLogger(l *logrus.Entry) {
	logger = l
}
