package server

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pufftrack/backend/internal/apperror"
	"github.com/pufftrack/backend/internal/auth"
	"github.com/pufftrack/backend/internal/realtime"
	"github.com/pufftrack/backend/internal/store"
)

const userIDContextKey = "pufftrack_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("store dependency required")
	errMissingHub           = errors.New("hub dependency required")
	errMissingHasher        = errors.New("password hasher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// GoogleVerifier validates Google ID tokens during sign-in.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// TokenManager issues and validates backend bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// PasswordHasher hashes and verifies login credentials.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(hash, plaintext string) error
}

// Dependencies wires the router's collaborators.
type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   TokenManager
	PasswordHasher PasswordHasher
	Store          *store.Store
	Hub            *realtime.Hub
	Logger         *zap.Logger
	AuthRate       rate.Limit
	AuthBurst      int
}

// NewHTTPHandler builds the gin handler serving the REST API and the
// websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.PasswordHasher == nil {
		return nil, errMissingHasher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authRate := deps.AuthRate
	if authRate <= 0 {
		authRate = 5
	}
	authBurst := deps.AuthBurst
	if authBurst <= 0 {
		authBurst = 10
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.GoogleVerifier,
		tokens:   deps.TokenManager,
		hasher:   deps.PasswordHasher,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
	}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "PuffTrack API")
	})

	authLimited := router.Group("/")
	authLimited.Use(newIPLimiterStore(authRate, authBurst, 10*time.Minute).middleware())
	authLimited.POST("/register", handler.handleRegister)
	authLimited.POST("/login", handler.handleLogin)
	authLimited.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/validate-token", handler.handleValidateToken)
	protected.GET("/me", handler.handleMe)
	protected.PATCH("/me", handler.handleRename)
	protected.DELETE("/me", handler.handleDeleteAccount)
	protected.POST("/friends/remove", handler.handleRemoveFriend)

	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	verifier GoogleVerifier
	tokens   TokenManager
	hasher   PasswordHasher
	store    *store.Store
	hub      *realtime.Hub
	logger   *zap.Logger
}

type registerPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleAuthPayload struct {
	IDToken string `json:"id_token"`
}

type sessionResponse struct {
	User        realtime.Profile `json:"user"`
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if message, ok := validateRegistration(request); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return
	}

	hash, err := h.hasher.Hash(request.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_password"})
		return
	}

	if _, err := h.store.GetUserByEmail(c.Request.Context(), request.Email); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		return
	} else if !errors.Is(err, store.ErrUserNotFound) {
		h.logger.Error("registration lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	user, err := h.store.CreateUser(c.Request.Context(), request.Name, request.Email, hash)
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	h.respondWithSession(c, user, http.StatusCreated)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Email == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.store.GetUserByEmail(c.Request.Context(), request.Email)
	if errors.Is(err, store.ErrUserNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
	if user.PasswordHash == "" || h.hasher.Verify(user.PasswordHash, request.Password) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	h.respondWithSession(c, user, http.StatusOK)
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "google_signin_disabled"})
		return
	}

	var request googleAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.store.GetUserByGoogleSubject(c.Request.Context(), claims.Subject)
	if errors.Is(err, store.ErrUserNotFound) {
		name := claims.Name
		if name == "" {
			name = "PuffTrack user"
		}
		user, err = h.store.CreateGoogleUser(c.Request.Context(), name, claims.Email, claims.Subject)
	}
	if err != nil {
		h.logger.Error("google sign-in failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_failed"})
		return
	}

	h.respondWithSession(c, user, http.StatusOK)
}

func (h *httpHandler) respondWithSession(c *gin.Context, user store.User, status int) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, sessionResponse{
		User:        realtime.Profile{ID: user.ID, Name: user.Name, Email: user.Email},
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleValidateToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token": "valid"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	snapshot, err := h.hub.Snapshot(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type renamePayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleRename(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil || !validName(request.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must be 2-30 characters"})
		return
	}

	if err := h.store.UpdateUserName(c.Request.Context(), userID, request.Name); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.logger.Error("rename failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rename_failed"})
		return
	}

	// The new name appears in friends' snapshots too.
	affected := append([]string{userID}, h.friendIDs(c, userID)...)
	h.hub.FanOut(c.Request.Context(), affected...)
	c.JSON(http.StatusOK, gin.H{"message": "name updated"})
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	friends := h.friendIDs(c, userID)

	if conn, ok := h.hub.Registry().Lookup(userID); ok {
		conn.Kick("account deleted")
		h.hub.Registry().Unbind(conn)
	}

	if err := h.store.DeleteUserCascade(c.Request.Context(), userID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.logger.Error("account deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion_failed"})
		return
	}

	h.hub.FanOut(c.Request.Context(), friends...)
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}

type removeFriendPayload struct {
	FriendID string `json:"friendId"`
}

func (h *httpHandler) handleRemoveFriend(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request removeFriendPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FriendID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "friendId is required"})
		return
	}

	removed, err := h.store.DeleteFriendEdgeBetween(c.Request.Context(), userID, request.FriendID, store.EdgeStatusAccepted)
	if err != nil {
		h.logger.Error("unfriend failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unfriend_failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "friendship_not_found"})
		return
	}

	h.hub.FanOut(c.Request.Context(), userID, request.FriendID)
	c.JSON(http.StatusOK, gin.H{"message": "friend removed"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Info("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		switch {
		case errors.Is(appErr.Kind, apperror.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": appErr.Message})
			return
		case errors.Is(appErr.Kind, apperror.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": appErr.Message})
			return
		case errors.Is(appErr.Kind, apperror.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": appErr.Message})
			return
		case errors.Is(appErr.Kind, apperror.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": appErr.Message})
			return
		}
	}
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) friendIDs(c *gin.Context, userID string) []string {
	edges, err := h.store.ListFriendEdges(c.Request.Context(), userID, store.EdgeDirectionEither, store.EdgeStatusAccepted)
	if err != nil {
		h.logger.Warn("friend listing failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.Other(userID))
	}
	return ids
}

func validateRegistration(request registerPayload) (string, bool) {
	if !validName(request.Name) {
		return "name must be 2-30 characters", false
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(request.Email)); err != nil {
		return "email is invalid", false
	}
	if len(request.Password) < 6 {
		return "password must be at least 6 characters", false
	}
	return "", true
}

func validName(name string) bool {
	trimmed := strings.TrimSpace(name)
	return len(trimmed) >= 2 && len(trimmed) <= 30
}
