//go:build linux

package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// logListenBacklog logs the kernel's listen backlog limit. Linux silently
// truncates the backlog passed to listen(2) to net.core.somaxconn.
func logListenBacklog(log logrus.FieldLogger, addr string, backlog int) {
	somaxconn := kernelBacklogLimit()

	log.WithFields(logrus.Fields{
		"addr":      addr,
		"backlog":   backlog,
		"somaxconn": somaxconn,
	}).Info("TCP server listening")

	if somaxconn > 0 && backlog > somaxconn {
		log.Warnf("Requested backlog %d exceeds net.core.somaxconn=%d and will be truncated", backlog, somaxconn)
		log.Warnf("  Consider: sudo sysctl -w net.core.somaxconn=%d", backlog)
	}
}

// kernelBacklogLimit reads net.core.somaxconn, or 0 when unavailable
func kernelBacklogLimit() int {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}
	return somaxconn
}

// listenOverflows reads the ListenOverflows counter from /proc/net/netstat.
// It counts connections the kernel dropped because an accept queue was full.
func listenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers []string
	var values []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TcpExt:") {
			fields := strings.Fields(line)
			if len(headers) == 0 {
				headers = fields[1:]
			} else {
				values = fields[1:]
				break
			}
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}

	return 0
}
