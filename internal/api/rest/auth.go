package rest

import (
	"errors"
	"net/http"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type CreateAPITokenRequest struct {
	Name        string   `json:"name" binding:"required"`
	Permissions []string `json:"permissions"`
}

type CreateAPITokenResponse struct {
	Token       string    `json:"token"` // only returned once
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
}

type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"required,oneof=operator technician admin"`
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	tokens, err := s.authService.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		code, msg := "AUTH_401", "invalid credentials"
		if errors.Is(err, auth.ErrAccountLocked) {
			code, msg = "AUTH_LOCKED", err.Error()
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(code, msg, nil))
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) refreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	tokens, err := s.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "invalid or expired refresh token", nil))
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if err := s.authService.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		s.logger.Debug("Logout with unknown refresh token", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, auth.PrincipalFrom(c))
}

func (s *Server) createAPIToken(c *gin.Context) {
	var req CreateAPITokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if len(req.Permissions) == 0 {
		req.Permissions = []string{string(auth.PermOperator)}
	}

	token, meta, err := s.authService.CreateAPIToken(c.Request.Context(), req.Name, req.Permissions, auth.PrincipalFrom(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateAPITokenResponse{
		Token:       token,
		ID:          meta.ID,
		Name:        meta.Name,
		Permissions: meta.Permissions,
	})
}

func (s *Server) listAPITokens(c *gin.Context) {
	tokens, err := s.authService.ListAPITokens(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) deleteAPIToken(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid token id", err)
		return
	}
	if err := s.authService.DeleteAPIToken(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	user, err := s.authService.CreateUser(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.authService.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) deleteUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id", err)
		return
	}
	if p := auth.PrincipalFrom(c); p.UserID != nil && *p.UserID == id {
		badRequest(c, "cannot delete the calling user", nil)
		return
	}
	if err := s.authService.DeleteUser(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
