package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ChatRelay/internal/apperror"
)

func statusOf(err error) int {
	switch apperror.CodeOf(err) {
	case apperror.CodeValidation:
		return http.StatusBadRequest
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeUnauthorized, apperror.CodeBadCredential, apperror.CodeInvalidToken,
		apperror.CodeTokenExpired, apperror.CodeEnvironmentMismatch:
		return http.StatusUnauthorized
	case apperror.CodeSuppressed, apperror.CodeRegistrationDisabled:
		return http.StatusForbidden
	case apperror.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperror.CodeExternalService:
		return http.StatusBadGateway
	case apperror.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its client-safe message.
func writeError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": apperror.MessageOf(err), "code": apperror.CodeOf(err)})
}
