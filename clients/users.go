package clients

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// UserService is the platform service name for user management.
const UserService = "flock"

// GlobalRole is a deployment-wide role a user can hold.
type GlobalRole string

const (
	GlobalRoleBasicUser GlobalRole = "global-basic-user"
	GlobalRoleFullUser  GlobalRole = "global-full-user"
	GlobalRoleAdmin     GlobalRole = "global-admin"
)

// User is a platform user.
type User struct {
	ID          uuid.UUID    `json:"userId"`
	Username    string       `json:"username"`
	FullName    string       `json:"fullName"`
	Email       string       `json:"email"`
	CreatedAt   time.Time    `json:"createdAt"`
	Enabled     bool         `json:"enabled"`
	GlobalRoles []GlobalRole `json:"globalRoles"`
	IsSystem    bool         `json:"isSystem"`
}

// UserClient accesses the user service.
type UserClient struct {
	api *api.Client
}

// NewUserClient creates a user client over an api.Client rooted at the
// user service URL.
func NewUserClient(apiClient *api.Client) *UserClient {
	return &UserClient{api: apiClient}
}

// Get returns a user by ID.
func (c *UserClient) Get(ctx context.Context, userID uuid.UUID) (User, error) {
	var user User

	if err := c.api.Get(ctx, "/user/"+userID.String(), nil, &user); err != nil {
		return User{}, fmt.Errorf("fetching user %s: %w", userID, err)
	}

	return user, nil
}

// ListOptions filter List. Nil fields apply no filter.
type UserListOptions struct {
	IsSystem *bool
	Enabled  *bool
}

// List returns the deployment's users, optionally filtered.
func (c *UserClient) List(ctx context.Context, opts UserListOptions) ([]User, error) {
	query := url.Values{}

	if opts.IsSystem != nil {
		query.Set("isSystem", strconv.FormatBool(*opts.IsSystem))
	}

	if opts.Enabled != nil {
		// The wire parameter is inverted.
		query.Set("isDisabled", strconv.FormatBool(!*opts.Enabled))
	}

	var users []User

	if err := c.api.Get(ctx, "/users", query, &users); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// SetGlobalRoles replaces a user's global roles, returning the updated
// user.
func (c *UserClient) SetGlobalRoles(ctx context.Context, userID uuid.UUID, roles []GlobalRole) (User, error) {
	payload := map[string]any{"roles": roles}

	var user User

	if err := c.api.Put(ctx, "/user/"+userID.String()+"/roles", payload, &user); err != nil {
		return User{}, fmt.Errorf("setting roles for user %s: %w", userID, err)
	}

	return user, nil
}
