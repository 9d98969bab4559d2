package raft

import "github.com/neo4j/neo4j-sub208/pkg/logutil"

// Logger is what the raft machine logs through. *logrus.Entry
// satisfies it.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warningf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
}

var defaultLogger Logger = logutil.NewPackageLogger("raft")
