package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wayflowcore/wayflow-go/pkg/a2a"
	"github.com/wayflowcore/wayflow-go/pkg/agent"
	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/llm"
	"github.com/wayflowcore/wayflow-go/pkg/mcp"
	"github.com/wayflowcore/wayflow-go/pkg/responses"
	"github.com/wayflowcore/wayflow-go/pkg/serialization"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

// ServeCmd starts an A2A or Responses server around a single agent.
type ServeCmd struct {
	Host string `help:"Interface to bind." default:"0.0.0.0"`
	Port int    `help:"Port to listen on." default:"8080"`
	Mode string `help:"Protocol to serve." enum:"a2a,responses" default:"a2a"`

	// Agent options
	Agent       string `help:"Agent name." default:"assistant"`
	Instruction string `help:"System instruction for the agent."`
	Description string `help:"Agent description, published on the agent card."`

	// Model options
	Provider string `help:"LLM provider (openai, cohere, google, llama, vllm, ollama)." default:"openai"`
	Model    string `help:"Model name." required:""`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`
	APIKey   string `name:"api-key" help:"API key." env:"WAYFLOW_API_KEY,OPENAI_API_KEY"`

	MCPURL string `name:"mcp-url" help:"MCP server URL (streamable HTTP) whose tools the agent gets."`

	// Storage options. The relational backends bind to an existing table
	// named after --collection.
	Storage    string `help:"Storage backend." enum:"memory,sqlite3,postgres,mysql" default:"memory"`
	StorageDSN string `name:"storage-dsn" help:"DSN for the relational backends."`
	Collection string `help:"Conversation table/collection name." default:"conversations"`

	// Auth and TLS options
	Token       string `help:"Static bearer token guarding every route." env:"WAYFLOW_TOKEN"`
	SSLKeyfile  string `name:"ssl_keyfile" help:"TLS private key file." type:"path"`
	SSLCertfile string `name:"ssl_certfile" help:"TLS certificate file." type:"path"`
	SSLCACerts  string `name:"ssl_ca_certs" help:"CA bundle for client certificate verification." type:"path"`
	SSLCertReqs string `name:"ssl_cert_reqs" help:"Client certificate policy." enum:"none,optional,required" default:"none"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	component, err := c.buildAgent()
	if err != nil {
		return err
	}
	store, closeStore, err := c.buildStore(ctx, component)
	if err != nil {
		return err
	}
	defer closeStore()

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	handler, shutdown, err := c.buildHandler(component, store, addr)
	if err != nil {
		return err
	}

	tlsConfig, err := c.buildTLS()
	if err != nil {
		return err
	}
	httpServer := &http.Server{Addr: addr, Handler: handler, TLSConfig: tlsConfig}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "mode", c.Mode, "agent", component.Name())
		if c.SSLCertfile != "" || c.SSLKeyfile != "" {
			errCh <- httpServer.ListenAndServeTLS(c.SSLCertfile, c.SSLKeyfile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	shutdown()
	return nil
}

func (c *ServeCmd) buildAgent() (conversation.Component, error) {
	model := llm.NewChatCompletionsModel(llm.Config{
		Provider: c.Provider,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
	})

	opts := []agent.Option{agent.WithStreaming()}
	if c.Instruction != "" {
		opts = append(opts, agent.WithInstruction(c.Instruction))
	}
	if c.Description != "" {
		opts = append(opts, agent.WithDescription(c.Description))
	}
	if c.MCPURL != "" {
		box, err := mcp.NewToolBox(mcp.ToolBoxConfig{
			Name: "mcp",
			Transport: mcp.TransportConfig{
				Kind: mcp.TransportStreamableHTTP,
				URL:  c.MCPURL,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("connecting mcp server: %w", err)
		}
		opts = append(opts, agent.WithToolBoxes(box))
	}
	a, err := agent.New(c.Agent, model, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (c *ServeCmd) buildStore(ctx context.Context, component conversation.Component) (*serving.ConversationStore, func(), error) {
	serializer, err := serialization.New(component)
	if err != nil {
		return nil, nil, err
	}
	schema := serving.TurnSchema(c.Collection)

	if c.Storage == "memory" {
		store := datastore.NewInMemoryDatastore(schema)
		return serving.NewConversationStore(store, serializer, c.Collection), func() {}, nil
	}

	if c.StorageDSN == "" {
		return nil, nil, fmt.Errorf("--storage %s requires --storage-dsn", c.Storage)
	}
	store, err := datastore.OpenRelational(ctx, datastore.ConnectionConfig{
		Driver: c.Storage,
		DSN:    c.StorageDSN,
	}, schema)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s storage: %w", c.Storage, err)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}
	return serving.NewConversationStore(store, serializer, c.Collection), closeStore, nil
}

// buildHandler returns the protocol handler and a teardown hook for the
// protocol-layer workers.
func (c *ServeCmd) buildHandler(component conversation.Component, store *serving.ConversationStore, addr string) (http.Handler, func(), error) {
	switch c.Mode {
	case "a2a":
		scheme := "http"
		if c.SSLCertfile != "" {
			scheme = "https"
		}
		var opts []a2a.ServerOption
		if c.Token != "" {
			opts = append(opts, a2a.WithBearerToken(c.Token))
		}
		server := a2a.NewServer(component, store, fmt.Sprintf("%s://%s", scheme, addr), opts...)
		server.Manager().Start()
		return server.Handler(), server.Manager().Stop, nil
	case "responses":
		var opts []responses.ServerOption
		if c.Token != "" {
			opts = append(opts, responses.WithBearerToken(c.Token))
		}
		server := responses.NewServer(store, []conversation.Component{component}, opts...)
		return server.Handler(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", c.Mode)
	}
}

func (c *ServeCmd) buildTLS() (*tls.Config, error) {
	if c.SSLCACerts == "" && c.SSLCertReqs == "none" {
		return nil, nil
	}
	cfg := &tls.Config{}
	if c.SSLCACerts != "" {
		pem, err := os.ReadFile(c.SSLCACerts)
		if err != nil {
			return nil, fmt.Errorf("reading ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", c.SSLCACerts)
		}
		cfg.ClientCAs = pool
	}
	switch c.SSLCertReqs {
	case "optional":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "required":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
