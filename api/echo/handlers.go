package docidecho

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pilab-dev/docid-auth/api"
	apierr "github.com/pilab-dev/docid-auth/errors"
)

// AuthHandlers mounts api.AuthAPI on an echo router.
type AuthHandlers struct {
	api *api.AuthAPI
}

func NewAuthHandlers(authAPI *api.AuthAPI) *AuthHandlers {
	return &AuthHandlers{api: authAPI}
}

// RegisterRoutes registers the auth routes on e. mw is applied per route.
func (h *AuthHandlers) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.GET(api.CallbackPath, h.CallbackHandler, mw...)
	e.GET(api.LoginPath, h.LoginHandler, mw...)
	e.POST(api.RefreshPath, h.RefreshHandler, mw...)
}

// CallbackHandler handles GET /api/auth/:provider/callback.
func (h *AuthHandlers) CallbackHandler(c echo.Context) error {
	var stateCookie string
	if cookie, err := c.Cookie(api.StateCookieName); err == nil {
		stateCookie = cookie.Value
		c.SetCookie(stateCookieFor(c, "", -1))
	}

	resp, apiErr := h.api.Callback(c.Request().Context(), api.CallbackRequest{
		Provider:                 c.Param("provider"),
		Code:                     c.QueryParam("code"),
		State:                    c.QueryParam("state"),
		StateCookie:              stateCookie,
		ProviderError:            c.QueryParam("error"),
		ProviderErrorDescription: c.QueryParam("error_description"),
	})
	if apiErr != nil {
		return c.JSON(apiErr.Status, apiErr)
	}

	return c.JSON(http.StatusOK, resp)
}

// LoginHandler handles GET /api/auth/:provider/login.
func (h *AuthHandlers) LoginHandler(c echo.Context) error {
	redirect, apiErr := h.api.Login(c.Request().Context(), c.Param("provider"))
	if apiErr != nil {
		return c.JSON(apiErr.Status, apiErr)
	}

	c.SetCookie(stateCookieFor(c, redirect.State, api.StateCookieMaxAge))

	return c.Redirect(http.StatusFound, redirect.URL)
}

// RefreshHandler handles POST /api/auth/refresh.
func (h *AuthHandlers) RefreshHandler(c echo.Context) error {
	var req api.RefreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apierr.NewInvalidRequest("Refresh token is required"))
	}

	status, body, apiErr := h.api.Refresh(c.Request().Context(), req)
	if apiErr != nil {
		return c.JSON(apiErr.Status, apiErr)
	}

	return c.JSONBlob(status, body)
}

func stateCookieFor(c echo.Context, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     api.StateCookieName,
		Value:    value,
		Path:     "/api/auth",
		MaxAge:   maxAge,
		Secure:   c.Request().TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
