// Command shellmcpd is the secure shell gateway MCP server. It registers
// the shell_execute and shell_bg_* tools over a stdio, SSE or streamable
// HTTP transport and optionally serves the JSON admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/shellmcp/shellmcp/internal/adminhttp"
	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/execsync"
	"github.com/shellmcp/shellmcp/internal/supervisor"
	"github.com/shellmcp/shellmcp/internal/tools"
)

// Version can be set at build time using -ldflags "-X main.version=x.x.x"
var version = "dev"

// Shutdown channel for coordinated shutdown
var shutdownChan = make(chan struct{})
var shutdownOnce sync.Once

func requestShutdown() {
	shutdownOnce.Do(func() {
		close(shutdownChan)
	})
}

type app struct {
	cfg *config.Config
	log *applog.Logger
	sup *supervisor.Supervisor
	mcp *server.MCPServer
}

func newApp() *app {
	cfg := config.Load()
	log := applog.New()
	sup := supervisor.New(cfg, log)
	sup.StartRetentionSweep()

	s := server.NewMCPServer(
		"shellmcp",
		version,
		server.WithToolCapabilities(false),
	)
	tools.New(cfg, log, execsync.New(cfg, log), sup).Register(s)

	if len(cfg.AllowedCommands) == 0 {
		log.Warn("main", "allow-list is empty, every command will be rejected",
			fmt.Sprintf("set %s or %s", config.EnvAllowCommands, config.EnvAllowedCommands))
	}
	return &app{cfg: cfg, log: log, sup: sup, mcp: s}
}

// watchSignals drains the supervisor once a termination signal arrives, and
// force-exits if shutdown hangs.
func (a *app) watchSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			a.log.Info("main", "termination signal received, shutting down")
			requestShutdown()
			go func() {
				time.Sleep(10 * time.Second)
				a.log.Emergency("main", "force exit after shutdown timeout")
				os.Exit(1)
			}()
		case <-shutdownChan:
		}
	}()
}

func main() {
	args := os.Args[1:]
	mode := "stdio"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	switch mode {
	case "version":
		fmt.Printf("shellmcpd %s\n", version)
	case "stdio":
		runStdio(args)
	case "sse":
		runSSE(args)
	case "http":
		runHTTP(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q (expected stdio, sse or http)\n", mode)
		os.Exit(1)
	}
}

func runStdio(args []string) {
	flags := flag.NewFlagSet("stdio", flag.ExitOnError)
	web := flags.Bool("web", false, "Serve the admin web API")
	webHost := flags.String("web-host", "127.0.0.1", "Host for the admin web API")
	webPort := flags.String("web-port", "8081", "Port for the admin web API")
	flags.Parse(args)

	a := newApp()
	a.watchSignals()

	if *web {
		addr := net.JoinHostPort(*webHost, *webPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start admin web API on %s: %v\n", addr, err)
			os.Exit(1)
		}
		a.log.Info("main", fmt.Sprintf("admin web API listening on http://%s", addr))
		go http.Serve(listener, adminhttp.New(a.sup, a.log))
	}

	a.log.Info("main", fmt.Sprintf("starting shellmcpd %s (stdio mode)", version))
	if err := server.ServeStdio(a.mcp); err != nil {
		a.log.Error("main", "stdio server error", err.Error())
	}
	a.sup.Shutdown()
}

func runSSE(args []string) {
	flags := flag.NewFlagSet("sse", flag.ExitOnError)
	host := flags.String("host", "127.0.0.1", "Host for the SSE server")
	port := flags.String("port", "8000", "Port for the SSE server")
	webPath := flags.String("web-path", "/web", "Path prefix for the admin web API")
	flags.Parse(args)

	a := newApp()
	a.watchSignals()

	sseServer := server.NewSSEServer(a.mcp,
		server.WithBaseURL(fmt.Sprintf("http://%s:%s", *host, *port)),
		server.WithStaticBasePath("/mcp"),
		server.WithKeepAlive(true),
	)

	mux := http.NewServeMux()
	mux.Handle(strings.TrimSuffix(*webPath, "/")+"/", http.StripPrefix(strings.TrimSuffix(*webPath, "/"), adminhttp.New(a.sup, a.log)))
	mux.Handle("/", sseServer)

	addr := net.JoinHostPort(*host, *port)
	a.log.Info("main", fmt.Sprintf("starting shellmcpd %s (SSE mode) on %s", version, addr))
	a.log.Info("main", fmt.Sprintf("SSE endpoint: http://%s/mcp/sse", addr))

	if err := a.serveHTTP(addr, mux, func(ctx context.Context) {
		if err := sseServer.Shutdown(ctx); err != nil {
			a.log.Error("main", "SSE server shutdown error", err.Error())
		}
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start SSE server: %v\n", err)
		os.Exit(1)
	}
}

func runHTTP(args []string) {
	flags := flag.NewFlagSet("http", flag.ExitOnError)
	host := flags.String("host", "127.0.0.1", "Host for the HTTP server")
	port := flags.String("port", "8000", "Port for the HTTP server")
	path := flags.String("path", "/mcp", "Path of the MCP endpoint")
	webPath := flags.String("web-path", "/web", "Path prefix for the admin web API")
	flags.Parse(args)

	a := newApp()
	a.watchSignals()

	streamable := server.NewStreamableHTTPServer(a.mcp,
		server.WithEndpointPath(*path),
	)

	mux := http.NewServeMux()
	mux.Handle(strings.TrimSuffix(*webPath, "/")+"/", http.StripPrefix(strings.TrimSuffix(*webPath, "/"), adminhttp.New(a.sup, a.log)))
	mux.Handle("/", streamable)

	addr := net.JoinHostPort(*host, *port)
	a.log.Info("main", fmt.Sprintf("starting shellmcpd %s (HTTP mode) on %s%s", version, addr, *path))

	if err := a.serveHTTP(addr, mux, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start HTTP server: %v\n", err)
		os.Exit(1)
	}
}

// serveHTTP runs the HTTP transport until shutdown is requested, then
// drains the transport and the supervisor. A listen failure is returned so
// the caller can exit non-zero.
func (a *app) serveHTTP(addr string, handler http.Handler, drainTransport func(context.Context)) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-shutdownChan:
		a.log.Info("main", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if drainTransport != nil {
			drainTransport(ctx)
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			a.log.Error("main", "HTTP server shutdown error", err.Error())
		}
		a.sup.Shutdown()
		return nil
	}
}
