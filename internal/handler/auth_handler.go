package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/secure-auth-api/internal/middleware"
	"github.com/noah-isme/secure-auth-api/internal/models"
	"github.com/noah-isme/secure-auth-api/internal/service"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
	"github.com/noah-isme/secure-auth-api/pkg/response"
)

// RefreshCookieName is the cookie carrying the refresh token. Its path is
// scoped to the refresh endpoint so browsers do not attach it elsewhere.
const RefreshCookieName = "refresh_token"

// CookieOptions controls how token cookies are written.
type CookieOptions struct {
	Secure        bool
	Domain        string
	RefreshPath   string
	AccessMaxAge  int
	RefreshMaxAge int
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service  *service.AuthService
	sessions *service.SessionService
	cookies  CookieOptions
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService, sessions *service.SessionService, cookies CookieOptions) *AuthHandler {
	if cookies.RefreshPath == "" {
		cookies.RefreshPath = "/"
	}
	return &AuthHandler{service: svc, sessions: sessions, cookies: cookies}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by email and password, plus TOTP or backup code when enrolled
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 423 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	h.stampRequestMeta(c, &req.IP, &req.UserAgent, &req.AcceptLanguage, &req.AcceptEncoding)

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, res.AccessToken, res.RefreshToken)
	response.JSON(c, http.StatusOK, res)
}

// LoginPasskey godoc
// @Summary Authenticate via passkey assertion
// @Description Create a session from an externally verified WebAuthn assertion
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.PasskeyLoginRequest true "Passkey payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login/passkey [post]
func (h *AuthHandler) LoginPasskey(c *gin.Context) {
	var req models.PasskeyLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid passkey payload"))
		return
	}
	h.stampRequestMeta(c, &req.IP, &req.UserAgent, &req.AcceptLanguage, &req.AcceptEncoding)

	res, err := h.service.LoginWithPasskey(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, res.AccessToken, res.RefreshToken)
	response.JSON(c, http.StatusOK, res)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Rotate the refresh token and return a new pair
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshRequest false "Refresh payload (cookie fallback)"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	_ = c.ShouldBindJSON(&req)
	if req.RefreshToken == "" {
		if cookie, err := c.Cookie(RefreshCookieName); err == nil {
			req.RefreshToken = cookie
		}
	}
	if req.RefreshToken == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "refresh token required"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		h.clearTokenCookies(c)
		response.Error(c, err)
		return
	}

	h.setTokenCookies(c, res.AccessToken, res.RefreshToken)
	response.JSON(c, http.StatusOK, res)
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the caller's session and clear token cookies
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Logout(c.Request.Context(), claims.UserID, claims.SessionID, c.ClientIP(), c.GetHeader("User-Agent")); err != nil {
		response.Error(c, err)
		return
	}

	h.clearTokenCookies(c)
	response.NoContent(c)
}

// LogoutOthers godoc
// @Summary Logout other sessions
// @Description Revoke every session for the user except the current one
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-others [post]
func (h *AuthHandler) LogoutOthers(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	revoked, err := h.service.LogoutOthers(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked_sessions": revoked})
}

// LogoutAll godoc
// @Summary Logout everywhere
// @Description Revoke every session for the user and invalidate all tokens
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.LogoutAll(c.Request.Context(), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	h.clearTokenCookies(c)
	response.NoContent(c)
}

// ChangePassword godoc
// @Summary Change password
// @Description Change password for current user; all sessions are revoked
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}

	h.clearTokenCookies(c)
	response.NoContent(c)
}

// Sessions godoc
// @Summary List active sessions
// @Description Returns the caller's live sessions with device info
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/sessions [get]
func (h *AuthHandler) Sessions(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessions, err := h.sessions.ListActive(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions)
}

// TOTPSetup godoc
// @Summary Begin TOTP enrollment
// @Description Provision a TOTP secret and one-time backup codes
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/totp/setup [post]
func (h *AuthHandler) TOTPSetup(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	res, err := h.service.SetupTOTP(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// TOTPConfirm godoc
// @Summary Confirm TOTP enrollment
// @Description Verify the first code and enable the second factor
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.TOTPConfirmRequest true "TOTP code"
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/totp/confirm [post]
func (h *AuthHandler) TOTPConfirm(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.TOTPConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ConfirmTOTP(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// TOTPDisable godoc
// @Summary Disable TOTP
// @Description Remove the second factor from the account
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/totp/disable [post]
func (h *AuthHandler) TOTPDisable(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.DisableTOTP(c.Request.Context(), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated principal from the access token
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{
		"user_id":    claims.UserID,
		"session_id": claims.SessionID,
		"device_id":  claims.DeviceID,
	})
}

func (h *AuthHandler) stampRequestMeta(c *gin.Context, ip, userAgent, acceptLanguage, acceptEncoding *string) {
	*ip = c.ClientIP()
	*userAgent = c.GetHeader("User-Agent")
	*acceptLanguage = c.GetHeader("Accept-Language")
	*acceptEncoding = c.GetHeader("Accept-Encoding")
}

func (h *AuthHandler) setTokenCookies(c *gin.Context, accessToken, refreshToken string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessCookieName, accessToken, h.cookies.AccessMaxAge, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookieName, refreshToken, h.cookies.RefreshMaxAge, h.cookies.RefreshPath, h.cookies.Domain, h.cookies.Secure, true)
}

func (h *AuthHandler) clearTokenCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessCookieName, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookieName, "", -1, h.cookies.RefreshPath, h.cookies.Domain, h.cookies.Secure, true)
}
