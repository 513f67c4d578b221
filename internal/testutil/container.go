package testutil

import (
	"context"
	"fmt"
	"time"

	pgutil "github.com/bissquit/incident-escalation/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultPostgresImage = "postgres:16-alpine"

// PostgresContainer is a throwaway incident database.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

type containerOptions struct {
	image      string
	migrations string
}

// ContainerOption customises NewPostgresContainer.
type ContainerOption func(*containerOptions)

// WithImage overrides the postgres image.
func WithImage(image string) ContainerOption {
	return func(o *containerOptions) { o.image = image }
}

// WithMigrations applies the migrations in dir (relative to the calling test
// package, e.g. "../../migrations") once the server is up.
func WithMigrations(dir string) ContainerOption {
	return func(o *containerOptions) { o.migrations = dir }
}

// NewPostgresContainer starts a postgres server for integration tests.
func NewPostgresContainer(ctx context.Context, opts ...ContainerOption) (*PostgresContainer, error) {
	o := containerOptions{image: defaultPostgresImage}
	for _, opt := range opts {
		opt(&o)
	}

	container, err := postgres.Run(ctx,
		o.image,
		postgres.WithDatabase("incidents"),
		postgres.WithUsername("engine"),
		postgres.WithPassword("engine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	c := &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}
	if o.migrations != "" {
		if err := pgutil.Migrate(connStr, o.migrations); err != nil {
			_ = container.Terminate(ctx)
			return nil, err
		}
	}
	return c, nil
}

// Pool opens a small pool against the container through the same connect
// path the service uses.
func (c *PostgresContainer) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	return pgutil.Connect(ctx, pgutil.Config{
		URL:             c.ConnectionString,
		MaxOpenConns:    10,
		ConnectAttempts: 3,
		ApplicationName: "incident-engine-tests",
	})
}
