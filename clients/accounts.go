// Package clients holds the thin typed clients for the platform's
// resource services. Each client wraps the shared api.Client for one
// service: it builds paths and query parameters, and decodes responses
// into typed structs. All retry, auth, and error-mapping behavior lives
// in the api package.
package clients

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// AccountService is the platform service name for user accounts. It is
// the same service that issues access tokens.
const AccountService = "hudson"

// Account is a user account.
type Account struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
}

// AccountClient accesses the account service.
type AccountClient struct {
	api *api.Client
}

// NewAccountClient creates an account client over an api.Client rooted
// at the account service URL.
func NewAccountClient(apiClient *api.Client) *AccountClient {
	return &AccountClient{api: apiClient}
}

// AuthenticatedAccount returns the account that authenticates this
// session.
func (c *AccountClient) AuthenticatedAccount(ctx context.Context) (Account, error) {
	var resp struct {
		Account Account `json:"account"`
	}

	if err := c.api.Get(ctx, "/authenticate", nil, &resp); err != nil {
		return Account{}, fmt.Errorf("fetching authenticated account: %w", err)
	}

	return resp.Account, nil
}

// AuthenticatedUserID returns the user ID behind this session's
// credentials.
func (c *AccountClient) AuthenticatedUserID(ctx context.Context) (uuid.UUID, error) {
	account, err := c.AuthenticatedAccount(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	return account.UserID, nil
}

// Get returns the account for a user ID.
func (c *AccountClient) Get(ctx context.Context, userID uuid.UUID) (Account, error) {
	var account Account

	if err := c.api.Get(ctx, "/user/"+userID.String(), nil, &account); err != nil {
		return Account{}, fmt.Errorf("fetching account %s: %w", userID, err)
	}

	return account, nil
}
