package raft

import (
	"io"

	"github.com/sirupsen/logrus"
)

func newTestLogger() Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	lg.SetLevel(logrus.WarnLevel)
	return lg.WithField("pkg", "raft")
}
