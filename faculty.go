// Package faculty is a Go client library for the Faculty data-science
// platform. A Client bundles an authenticated session with typed
// clients for each platform service; all construction is explicit, with
// no process-wide shared state.
//
//	client, err := faculty.New(faculty.WithProfileName("production"))
//	if err != nil {
//		...
//	}
//	projects, err := client.Projects.ListAccessibleByUser(ctx, userID)
package faculty

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
	"github.com/facultyai/faculty-go/clients"
	"github.com/facultyai/faculty-go/config"
	"github.com/facultyai/faculty-go/datasets"
	"github.com/facultyai/faculty-go/objects"
	"github.com/facultyai/faculty-go/session"
	"github.com/facultyai/faculty-go/transfer"
)

// Client is the entry point to the platform. Resource clients share one
// session, so tokens are issued once and reused across services.
type Client struct {
	Accounts    *clients.AccountClient
	Clusters    *clients.ClusterClient
	Experiments *clients.ExperimentClient
	Jobs        *clients.JobClient
	Models      *clients.ModelClient
	Projects    *clients.ProjectClient
	Reports     *clients.ReportClient
	Servers     *clients.ServerClient
	Users       *clients.UserClient
	Workspaces  *clients.WorkspaceClient

	// Objects is the low-level object storage client. Most callers want
	// Datasets instead.
	Objects *objects.Client

	session    *session.Session
	engine     *transfer.Engine
	httpClient *http.Client
	logger     *slog.Logger
}

type clientConfig struct {
	configOpts  config.Options
	httpClient  *http.Client
	logger      *slog.Logger
	tokenCache  session.TokenCache
	planStore   *transfer.Store
	workers     int
	noPlanStore bool
}

// Option configures a Client.
type Option func(*clientConfig)

// WithCredentialsPath reads profiles from a specific credentials file.
func WithCredentialsPath(path string) Option {
	return func(c *clientConfig) { c.configOpts.CredentialsPath = path }
}

// WithProfileName selects a named profile from the credentials file.
func WithProfileName(name string) Option {
	return func(c *clientConfig) { c.configOpts.ProfileName = name }
}

// WithDomain overrides the platform domain.
func WithDomain(domain string) Option {
	return func(c *clientConfig) { c.configOpts.Domain = domain }
}

// WithProtocol overrides the platform protocol.
func WithProtocol(protocol string) Option {
	return func(c *clientConfig) { c.configOpts.Protocol = protocol }
}

// WithClientCredentials passes credentials explicitly, taking precedence
// over the environment and the credentials file.
func WithClientCredentials(clientID, clientSecret string) Option {
	return func(c *clientConfig) {
		c.configOpts.ClientID = clientID
		c.configOpts.ClientSecret = clientSecret
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = httpClient }
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithTokenCache replaces the default file-backed token cache.
func WithTokenCache(cache session.TokenCache) Option {
	return func(c *clientConfig) { c.tokenCache = cache }
}

// WithTransferWorkers bounds transfer chunk concurrency.
func WithTransferWorkers(n int) Option {
	return func(c *clientConfig) { c.workers = n }
}

// WithoutTransferResume disables on-disk transfer plans; interrupted
// transfers restart from scratch.
func WithoutTransferResume() Option {
	return func(c *clientConfig) { c.noPlanStore = true }
}

// New resolves credentials and builds a platform client. Credential
// precedence is explicit options, then FACULTY_* environment variables,
// then the credentials file.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	profile, err := config.Resolve(cfg.configOpts)
	if err != nil {
		return nil, fmt.Errorf("faculty: %w", err)
	}

	tokenCache := cfg.tokenCache
	if tokenCache == nil {
		tokenCache = session.NewFileCache("", profile, cfg.logger)
	}

	sess := session.New(profile,
		session.WithTokenCache(tokenCache),
		session.WithHTTPClient(cfg.httpClient),
		session.WithLogger(cfg.logger),
	)

	planStore := cfg.planStore
	if planStore == nil && !cfg.noPlanStore {
		planStore, err = transfer.NewStore("", cfg.logger)
		if err != nil {
			cfg.logger.Warn("transfer resume disabled", slog.String("error", err.Error()))
		}
	}

	c := &Client{
		session:    sess,
		httpClient: cfg.httpClient,
		logger:     cfg.logger,
	}

	objectsAPI := c.serviceClient(objects.ServiceName)
	c.Objects = objects.NewClient(objectsAPI)

	engineOpts := []transfer.Option{
		transfer.WithHTTPClient(cfg.httpClient),
		transfer.WithLogger(cfg.logger),
	}

	if planStore != nil {
		engineOpts = append(engineOpts, transfer.WithStore(planStore))
	}

	if cfg.workers > 0 {
		engineOpts = append(engineOpts, transfer.WithWorkers(cfg.workers))
	}

	c.engine = transfer.New(c.Objects, engineOpts...)

	c.Accounts = clients.NewAccountClient(c.serviceClient(clients.AccountService))
	c.Clusters = clients.NewClusterClient(c.serviceClient(clients.ClusterService))
	c.Experiments = clients.NewExperimentClient(c.serviceClient(clients.ExperimentService))
	c.Jobs = clients.NewJobClient(c.serviceClient(clients.JobService))
	c.Models = clients.NewModelClient(c.serviceClient(clients.ModelService))
	c.Projects = clients.NewProjectClient(c.serviceClient(clients.ProjectService))
	c.Reports = clients.NewReportClient(c.serviceClient(clients.ReportService))
	c.Servers = clients.NewServerClient(c.serviceClient(clients.ServerService))
	c.Users = clients.NewUserClient(c.serviceClient(clients.UserService))
	c.Workspaces = clients.NewWorkspaceClient(c.serviceClient(clients.WorkspaceService))

	return c, nil
}

// Session exposes the underlying session for advanced uses such as
// signing requests to services without a typed client.
func (c *Client) Session() *session.Session {
	return c.session
}

// Datasets returns the high-level dataset API for one project.
func (c *Client) Datasets(projectID uuid.UUID) *datasets.Service {
	return datasets.NewService(projectID, c.Objects, c.engine, c.logger)
}

// CurrentContext reports the platform runtime context (project, server,
// job) of the executing process, populated when running on the platform.
func (c *Client) CurrentContext() config.Context {
	return config.CurrentContext()
}

// serviceClient builds an api.Client rooted at one platform service.
func (c *Client) serviceClient(service string) *api.Client {
	return api.NewClient(c.session.ServiceURL(service, ""), c.httpClient, c.session, c.logger)
}
