package main

import (
	"os"
	"strconv"
)

// getProcessInfo returns process details included in the startup log
func getProcessInfo() map[string]interface{} {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return map[string]interface{}{
		"pid":      os.Getpid(),
		"hostname": hostname,
	}
}

// getPort lets the PORT variable set by cloud platforms override the configured port
func getPort(defaultPort int) int {
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return defaultPort
}
