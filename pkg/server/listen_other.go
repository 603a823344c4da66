//go:build !linux

package server

import "github.com/sirupsen/logrus"

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(log logrus.FieldLogger, addr string, backlog int) {
	log.WithFields(logrus.Fields{
		"addr":    addr,
		"backlog": backlog,
	}).Info("TCP server listening")
}

// kernelBacklogLimit is unknown on non-Linux systems
func kernelBacklogLimit() int {
	return 0
}

// listenOverflows is not available on non-Linux systems
func listenOverflows() uint64 {
	return 0
}
