package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"agentry/internal/auth"
	"agentry/internal/middleware"
)

// Register creates a password account and signs it in.
func (s *Server) Register(c *gin.Context) {
	var input auth.RegisterInput
	if !bindJSON(c, &input) {
		return
	}

	user, pair, err := s.auth.Register(c.Request.Context(), input, sessionMeta(c))
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user, "tokens": pair})
}

// Login exchanges credentials for a token pair. The username field
// accepts the email address too.
func (s *Server) Login(c *gin.Context) {
	var input auth.LoginInput
	if !bindJSON(c, &input) {
		return
	}

	user, pair, err := s.auth.Login(c.Request.Context(), input, sessionMeta(c))
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "tokens": pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token into a fresh pair.
func (s *Server) Refresh(c *gin.Context) {
	var input refreshRequest
	if !bindJSON(c, &input) {
		return
	}

	user, pair, err := s.auth.Refresh(c.Request.Context(), input.RefreshToken, sessionMeta(c))
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "tokens": pair})
}

// Logout revokes the presented refresh token. Unknown tokens come
// back 204 as well, so the endpoint is safe to retry.
func (s *Server) Logout(c *gin.Context) {
	var input refreshRequest
	if !bindJSON(c, &input) {
		return
	}

	if err := s.auth.Logout(c.Request.Context(), input.RefreshToken); err != nil {
		s.authError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Me returns the authenticated account.
func (s *Server) Me(c *gin.Context) {
	user, err := s.auth.User(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// OAuthURL hands the client the provider consent URL. The state rides
// back through the callback so the client can match the flows.
func (s *Server) OAuthURL(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		state = uuid.New().String()
	}

	url, err := s.auth.OAuthURL(c.Param("provider"), state)
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "state": state})
}

type oauthCallbackRequest struct {
	Code string `json:"code" binding:"required"`
}

// OAuthCallback exchanges the provider code and signs the user in,
// provisioning the account on first contact.
func (s *Server) OAuthCallback(c *gin.Context) {
	var input oauthCallbackRequest
	if !bindJSON(c, &input) {
		return
	}

	user, pair, err := s.auth.OAuthLogin(c.Request.Context(), c.Param("provider"), input.Code, sessionMeta(c))
	if err != nil {
		s.authError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "tokens": pair})
}

// authError maps auth service errors onto the uniform error body.
func (s *Server) authError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		middleware.Abort(c, http.StatusConflict, "USER_EXISTS", "username or email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.Abort(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
	case errors.Is(err, auth.ErrAccountDisabled):
		middleware.Abort(c, http.StatusForbidden, "ACCOUNT_DISABLED", "account is disabled")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		middleware.Abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
	case errors.Is(err, auth.ErrUnknownProvider):
		middleware.Abort(c, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown oauth provider")
	case errors.Is(err, auth.ErrUserNotFound):
		middleware.Abort(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
	default:
		middleware.Abort(c, http.StatusBadRequest, "AUTH_ERROR", err.Error())
	}
}
