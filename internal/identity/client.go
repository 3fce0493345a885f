// Package identity talks to the Supabase auth admin API (GoTrue) with the
// service role key.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	auth "github.com/supabase-community/auth-go"
	"github.com/supabase-community/auth-go/types"
	"go.uber.org/zap"
)

const usersPerPage = 50

// ErrEmailExists is returned by CreateUser when the address is already
// registered. Callers resolve the existing user with FindUserByEmail.
var ErrEmailExists = errors.New("a user with this email already exists")

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func fromAuthUser(u types.User) User {
	return User{
		ID:           u.ID.String(),
		Email:        u.Email,
		UserMetadata: u.UserMetadata,
		CreatedAt:    u.CreatedAt,
	}
}

// APIError is a non-2xx answer to the user listing.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type Client struct {
	auth       auth.Client
	authURL    string
	serviceKey string
	timeout    time.Duration
	transport  *retryTransport
}

type Option func(*Client)

// WithRetry overrides how often and how quickly transient failures are
// retried.
func WithRetry(maxRetries uint64, initialInterval time.Duration) Option {
	return func(c *Client) {
		c.transport.maxRetries = maxRetries
		c.transport.initialInterval = initialInterval
	}
}

func NewClient(baseURL, serviceKey string, log *zap.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Supabase URL %q", baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "identity"))

	authURL := strings.TrimRight(baseURL, "/") + "/auth/v1"
	c := &Client{
		auth:       auth.New("", serviceKey).WithCustomAuthURL(authURL).WithToken(serviceKey),
		authURL:    authURL,
		serviceKey: serviceKey,
		timeout:    10 * time.Second,
		transport: &retryTransport{
			base:            http.DefaultTransport,
			maxRetries:      3,
			initialInterval: 200 * time.Millisecond,
			maxElapsed:      20 * time.Second,
			log:             log,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// httpClient binds ctx to every request, since the auth SDK builds its
// requests without one.
func (c *Client) httpClient(ctx context.Context) http.Client {
	return http.Client{
		Timeout:   c.timeout,
		Transport: &contextTransport{ctx: ctx, base: c.transport},
	}
}

func (c *Client) sdk(ctx context.Context) auth.Client {
	return c.auth.WithClient(c.httpClient(ctx))
}

// FindUserByEmail returns nil, nil when no user has exactly this address.
// The admin filter is a substring match, so results are checked again here.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	want := normalizeEmail(email)
	for page := 1; ; page++ {
		resp, err := c.listUsers(ctx, want, page)
		if err != nil {
			return nil, fmt.Errorf("find user by email: %w", err)
		}

		for _, u := range resp.Users {
			if normalizeEmail(u.Email) == want {
				user := fromAuthUser(u)
				return &user, nil
			}
		}
		if len(resp.Users) < usersPerPage {
			return nil, nil
		}
	}
}

// listUsers calls GET /admin/users with filter and paging, which the SDK's
// AdminListUsers does not expose.
func (c *Client) listUsers(ctx context.Context, filter string, page int) (*types.AdminListUsersResponse, error) {
	q := url.Values{}
	q.Set("filter", filter)
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(usersPerPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL+"/admin/users?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")

	hc := c.httpClient(ctx)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Method: http.MethodGet, Path: "/auth/v1/admin/users", Body: string(body)}
	}

	var out types.AdminListUsersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// CreateUser creates a confirmed user. A taken address yields an error
// wrapping ErrEmailExists.
func (c *Client) CreateUser(ctx context.Context, email string, metadata map[string]any) (*User, error) {
	resp, err := c.sdk(ctx).AdminCreateUser(types.AdminCreateUserRequest{
		Email:        normalizeEmail(email),
		EmailConfirm: true,
		UserMetadata: metadata,
	})
	if err != nil {
		if isEmailExists(err) {
			return nil, fmt.Errorf("create user: %w", ErrEmailExists)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	user := fromAuthUser(resp.User)
	return &user, nil
}

// GenerateMagicLink issues a sign-in link without sending any mail.
func (c *Client) GenerateMagicLink(ctx context.Context, email, redirectTo string) (string, error) {
	resp, err := c.sdk(ctx).AdminGenerateLink(types.AdminGenerateLinkRequest{
		Type:       types.LinkTypeMagicLink,
		Email:      normalizeEmail(email),
		RedirectTo: redirectTo,
	})
	if err != nil {
		return "", fmt.Errorf("generate magic link: %w", err)
	}
	if resp.ActionLink == "" {
		return "", errors.New("generate magic link: response carried no action_link")
	}
	return resp.ActionLink, nil
}

// isEmailExists matches GoTrue's email_exists answer. The SDK reports
// non-2xx statuses as plain errors carrying the response body.
func isEmailExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "email_exists") || strings.Contains(msg, "already been registered")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
