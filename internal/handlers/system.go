package handlers

import (
	"net/http"
	"os"
	"os/user"
	"runtime"
)

// workingDir is the directory new commands start in.
func workingDir() (string, error) {
	if Executor != nil && Executor.Dir != "" {
		return Executor.Dir, nil
	}
	return os.Getwd()
}

// GetWorkingDirectory handles GET /api/terminal/pwd.
func GetWorkingDirectory(w http.ResponseWriter, r *http.Request) {
	dir, err := workingDir()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get working directory: "+err.Error())
		return
	}
	home, _ := os.UserHomeDir()
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"currentDirectory": dir,
		"userHome":         home,
		"userName":         name,
	})
}

// GetSystemInfo handles GET /api/terminal/sysinfo.
func GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	sessions := 0
	if Sessions != nil {
		sessions = Sessions.Len()
	}
	connections := 0
	if Hub != nil {
		connections = Hub.Len()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"osName":            runtime.GOOS,
		"osArch":            runtime.GOARCH,
		"goVersion":         runtime.Version(),
		"numCPU":            runtime.NumCPU(),
		"hostname":          hostname,
		"pid":               os.Getpid(),
		"activeSessions":    sessions,
		"activeConnections": connections,
	})
}
