package content

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthenticated is returned when the forwarded cookie does not map to a user
var ErrUnauthenticated = errors.New("unauthenticated")

// User is the identity behind a forwarded session cookie
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// UserClient looks up the current user for a cookie
type UserClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewUserClient creates a client for the content API's identity endpoint
func NewUserClient(baseURL string, httpClient *http.Client) *UserClient {
	return &UserClient{baseURL: baseURL, httpClient: httpClient}
}

// CurrentUser resolves the user owning cookie
func (c *UserClient) CurrentUser(ctx context.Context, cookie string) (*User, error) {
	if cookie == "" {
		return nil, ErrUnauthenticated
	}

	cl := newClient(c.baseURL, c.httpClient, Scope{Cookie: cookie})
	var user User
	if _, err := cl.do(ctx, "current user", http.MethodGet, "/api/users/me/", nil, nil, &user); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return nil, errors.Join(ErrUnauthenticated, err)
		}
		return nil, err
	}
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &user, nil
}
