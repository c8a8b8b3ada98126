package handlers

import (
	"net/http"

	"github.com/gluk-w/webshell/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions := 0
	if Sessions != nil {
		sessions = Sessions.Len()
	}
	connections := 0
	if Hub != nil {
		connections = Hub.Len()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"sessions":    sessions,
		"connections": connections,
	})
}
