package main

import (
	"os"
	"strconv"
)

// getProcessInfo returns process information for logging
func getProcessInfo() map[string]interface{} {
	return map[string]interface{}{
		"pid":      os.Getpid(),
		"ppid":     os.Getppid(),
		"hostname": getHostname(),
		"args":     os.Args,
	}
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// getPort lets the PORT environment variable override the admin port
func getPort(defaultPort int) int {
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return defaultPort
}
