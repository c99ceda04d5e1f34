// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/abcxyz/webhook-correlator/pkg/agentapi"
	"github.com/abcxyz/webhook-correlator/pkg/correlate"
	"github.com/abcxyz/webhook-correlator/pkg/dispatch"
	"github.com/abcxyz/webhook-correlator/pkg/metrics"
	"github.com/abcxyz/webhook-correlator/pkg/queue"
	"github.com/abcxyz/webhook-correlator/pkg/store"
	"github.com/abcxyz/webhook-correlator/pkg/version"
	"github.com/abcxyz/webhook-correlator/pkg/webhook"
	"github.com/abcxyz/webhook-correlator/pkg/worker"
)

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand starts the ingestion server together with the worker pool
// and the janitor.
type ServerCommand struct {
	cli.BaseCommand

	cfg *webhook.Config

	store         store.Store
	pool          *worker.Pool
	janitor       *worker.Janitor
	webhookServer *webhook.Server

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore store.Store
}

func (c *ServerCommand) Desc() string {
	return `Start the webhook ingestion and correlation server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the webhook ingestion and correlation server.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &webhook.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	defer c.store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.pool.Run(gctx)
	})
	g.Go(func() error {
		return c.janitor.Run(gctx)
	})
	g.Go(func() error {
		c.webhookServer.Background(gctx)
		return nil
	})
	g.Go(func() error {
		// When the HTTP server stops, drain the workers too.
		defer cancel()
		return server.StartHTTPHandler(gctx, mux) //nolint:wrapcheck // Want passthrough
	})

	return g.Wait() //nolint:wrapcheck // Want passthrough
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	workerCfg, err := worker.NewConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load worker config: %w", err)
	}
	if err := workerCfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid worker configuration: %w", err)
	}

	s, err := c.connectStore(ctx, 2*workerCfg.Count)
	if err != nil {
		return nil, nil, err
	}
	c.store = s

	m := metrics.New()

	q := queue.New(s, c.cfg.MaxQueue)
	recovered, err := q.Recover(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	if recovered > 0 {
		logger.InfoContext(ctx, "recovered durable queue entries", "count", recovered)
	}

	var engineOpts []correlate.Option
	if workerCfg.CancelOnWorkflowComplete {
		engineOpts = append(engineOpts, correlate.WithCancelOnComplete())
	}
	engine := correlate.NewEngine(s, engineOpts...)

	client := agentapi.New(ctx, &agentapi.Config{
		BaseURL: c.cfg.AgentAPIBaseURL,
		Token:   c.cfg.AgentAPIToken,
		Timeout: c.cfg.AgentAPITimeout(),
	})

	c.pool = worker.NewPool(workerCfg, s, q, engine, dispatch.New(client), m)
	c.janitor = worker.NewJanitor(s, workerCfg.EventTTL(), workerCfg.WorkflowTTL())

	webhookServer, err := webhook.NewServer(ctx, h, c.cfg, s, q, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}
	c.webhookServer = webhookServer

	mux := webhookServer.Routes(ctx)

	server, err := serving.New(listenPort(c.cfg.ListenAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}

// connectStore opens the Postgres store and waits for it to answer pings,
// then applies the schema.
func (c *ServerCommand) connectStore(ctx context.Context, maxConns int) (store.Store, error) {
	if c.testStore != nil {
		return c.testStore, nil
	}

	pg, err := store.NewPostgres(ctx, c.cfg.DatabaseURL, maxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pg.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return pg, nil
}

// listenPort extracts the port from a bind address for the serving layer.
func listenPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
