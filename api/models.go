package api

// CallbackRequest is the framework-neutral view of a provider callback.
type CallbackRequest struct {
	Provider string
	Code     string
	State    string
	// StateCookie is the state set by the login route, empty when the
	// browser started the flow elsewhere.
	StateCookie              string
	ProviderError            string
	ProviderErrorDescription string
}

// CallbackResponse is returned to the portal after a successful login.
type CallbackResponse struct {
	Status   bool   `json:"status"`
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
	Type     string `json:"type"`
	SocialID string `json:"social_id"`
	Message  string `json:"message"`
}

// RefreshRequest is the body of POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LoginRedirect tells the adapter where to send the browser and which
// state to remember in the cookie.
type LoginRedirect struct {
	URL   string
	State string
}

// Route paths shared by the gin and echo adapters.
const (
	CallbackPath = "/api/auth/:provider/callback"
	LoginPath    = "/api/auth/:provider/login"
	RefreshPath  = "/api/auth/refresh"

	// StateCookieName holds the state issued by the login route.
	StateCookieName = "docid_oauth_state"
	// StateCookieMaxAge is in seconds.
	StateCookieMaxAge = 300
)
