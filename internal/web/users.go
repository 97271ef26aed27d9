package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lbndev/sonarqube/internal/identity"
	"github.com/lbndev/sonarqube/internal/userbatch"
	"go.uber.org/zap"
)

// MountBatchUsers registers the /batch/users endpoint: a comma-separated
// logins query answered with a stream of length-prefixed user records.
// Logins with no stored user produce no frame.
func MountBatchUsers(router gin.IRouter, directory identity.Directory, logger *zap.Logger) {
	if directory == nil {
		panic("directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/batch/users", func(contextGin *gin.Context) {
		logins := splitLogins(contextGin.Query("logins"))

		users, lookupErr := directory.UsersByLogins(contextGin, logins)
		if lookupErr != nil {
			logger.Error("batch user lookup failed",
				zap.String("code", "web.batch_users.lookup"),
				zap.Error(lookupErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.Header("Content-Type", "application/octet-stream")
		contextGin.Status(http.StatusOK)
		for _, user := range users {
			record := userbatch.UserRecord{Login: user.Login, Name: user.Name}
			if writeErr := userbatch.WriteRecord(contextGin.Writer, record); writeErr != nil {
				logger.Warn("batch user stream interrupted",
					zap.String("code", "web.batch_users.write"),
					zap.Error(writeErr))
				return
			}
		}
	})
}

func splitLogins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	pieces := strings.Split(raw, ",")
	logins := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if trimmed := strings.TrimSpace(piece); trimmed != "" {
			logins = append(logins, trimmed)
		}
	}
	return logins
}
