package docidgin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pilab-dev/docid-auth/api"
	apierr "github.com/pilab-dev/docid-auth/errors"
)

// AuthHandlers mounts api.AuthAPI on a gin router.
type AuthHandlers struct {
	api *api.AuthAPI
}

func NewAuthHandlers(authAPI *api.AuthAPI) *AuthHandlers {
	return &AuthHandlers{api: authAPI}
}

// RegisterRoutes registers the auth routes. mw runs before every auth
// handler (rate limiting in production).
func (h *AuthHandlers) RegisterRoutes(r gin.IRouter, mw ...gin.HandlerFunc) {
	group := r.Group("", mw...)

	group.GET(api.CallbackPath, h.CallbackHandler)
	group.GET(api.LoginPath, h.LoginHandler)
	group.POST(api.RefreshPath, h.RefreshHandler)
}

// CallbackHandler handles GET /api/auth/:provider/callback.
func (h *AuthHandlers) CallbackHandler(c *gin.Context) {
	stateCookie, _ := c.Cookie(api.StateCookieName)
	if stateCookie != "" {
		clearStateCookie(c)
	}

	resp, apiErr := h.api.Callback(c.Request.Context(), api.CallbackRequest{
		Provider:                 c.Param("provider"),
		Code:                     c.Query("code"),
		State:                    c.Query("state"),
		StateCookie:              stateCookie,
		ProviderError:            c.Query("error"),
		ProviderErrorDescription: c.Query("error_description"),
	})
	if apiErr != nil {
		c.JSON(apiErr.Status, apiErr)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// LoginHandler handles GET /api/auth/:provider/login.
func (h *AuthHandlers) LoginHandler(c *gin.Context) {
	redirect, apiErr := h.api.Login(c.Request.Context(), c.Param("provider"))
	if apiErr != nil {
		c.JSON(apiErr.Status, apiErr)
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     api.StateCookieName,
		Value:    redirect.State,
		Path:     "/api/auth",
		MaxAge:   api.StateCookieMaxAge,
		Secure:   c.Request.TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	c.Redirect(http.StatusFound, redirect.URL)
}

// RefreshHandler handles POST /api/auth/refresh.
func (h *AuthHandlers) RefreshHandler(c *gin.Context) {
	var req api.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.NewInvalidRequest("Refresh token is required"))
		return
	}

	status, body, apiErr := h.api.Refresh(c.Request.Context(), req)
	if apiErr != nil {
		c.JSON(apiErr.Status, apiErr)
		return
	}

	c.Data(status, "application/json", body)
}

func clearStateCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     api.StateCookieName,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		Secure:   c.Request.TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
