package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"agentry/internal/connectors"
	"agentry/internal/logging"
	"agentry/internal/middleware"
)

// ListConnectors returns the connector catalog with health status.
func (s *Server) ListConnectors(c *gin.Context) {
	list, err := s.connectors.List(c.Request.Context())
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list connectors")
		return
	}

	c.JSON(http.StatusOK, gin.H{"connectors": list})
}

// TestConnector fires a canned call through the connector so the user
// can verify connectivity and credentials.
func (s *Server) TestConnector(c *gin.Context) {
	key := c.Param("key")
	userID := middleware.GetUserID(c)

	result, err := s.connectors.TestConnector(c.Request.Context(), userID, key)
	if err != nil {
		s.connectorError(c, err)
		return
	}

	if err := s.tracker.RecordConnectorCall(c.Request.Context(), userID, key); err != nil {
		logging.S().Warnw("Failed to record connector call", "connector", key, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"connector": key, "result": result})
}

type saveCredentialRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	Label  string `json:"label"`
}

// SaveCredential stores an encrypted API key for a connector. One
// credential per user and connector; saving again replaces it.
func (s *Server) SaveCredential(c *gin.Context) {
	var input saveCredentialRequest
	if !bindJSON(c, &input) {
		return
	}

	cred, err := s.connectors.SaveCredential(c.Request.Context(), middleware.GetUserID(c), c.Param("key"), input.APIKey, input.Label)
	if err != nil {
		s.credentialError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"credential": cred})
}

// DeleteCredential removes the caller's stored key for a connector.
func (s *Server) DeleteCredential(c *gin.Context) {
	if err := s.connectors.DeleteCredential(c.Request.Context(), middleware.GetUserID(c), c.Param("key")); err != nil {
		s.credentialError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListCredentials returns the caller's stored credentials. Ciphertext
// never leaves the server.
func (s *Server) ListCredentials(c *gin.Context) {
	creds, err := s.connectors.ListCredentials(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list credentials")
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// connectorError maps live-call failures onto the uniform error body.
// Anything past the catalog lookup involves an upstream, hence 502.
func (s *Server) connectorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, connectors.ErrUnknownConnector):
		middleware.Abort(c, http.StatusNotFound, "CONNECTOR_NOT_FOUND", err.Error())
	case errors.Is(err, connectors.ErrCredentialRequired):
		middleware.Abort(c, http.StatusBadRequest, "CREDENTIAL_REQUIRED", err.Error())
	default:
		middleware.Abort(c, http.StatusBadGateway, "CONNECTOR_ERROR", err.Error())
	}
}

// credentialError maps credential store errors. These paths never leave
// the process, so failures are client mistakes, not gateway faults.
func (s *Server) credentialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, connectors.ErrUnknownConnector):
		middleware.Abort(c, http.StatusNotFound, "CONNECTOR_NOT_FOUND", err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		middleware.Abort(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "no credential stored for this connector")
	default:
		middleware.Abort(c, http.StatusBadRequest, "CREDENTIAL_ERROR", err.Error())
	}
}
