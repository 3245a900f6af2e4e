package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/logger"
	"github.com/ternhq/tern/internal/version"
)

func protocolName(v int) string {
	switch v {
	case 30:
		return "HTTP/3"
	case 20:
		return "HTTP/2"
	default:
		return "HTTP/1.1"
	}
}

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }
func (h *headerFlags) Set(v string) error {
	*h = append(*h, v)
	return nil
}

func main() {
	var (
		method      = flag.String("X", "GET", "request method")
		data        = flag.String("d", "", "request body")
		output      = flag.String("o", "", "write body to file instead of stdout")
		configPath  = flag.String("config", "", "path to a tern.yaml configuration file")
		timeout     = flag.Duration("timeout", 2*time.Minute, "total request deadline")
		insecure    = flag.Bool("insecure", false, "skip tls verification")
		http3       = flag.Bool("http3", false, "dial QUIC first for https origins")
		verbose     = flag.Bool("v", false, "debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
		headers     headerFlags
	)
	flag.Var(&headers, "H", "request header, name:value (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (%s, %s)\n", version.Name, version.Version, version.Commit, version.Date)
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tern [flags] <url>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	rawURL := flag.Arg(0)

	level := "info"
	if *verbose {
		level = "debug"
	}
	lcfg := &logger.Config{Level: level, Theme: "default", PrettyLogs: true}
	slogger, styled, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(slogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styled.Info("Interrupted", "signal", sig.String())
		cancel()
	}()

	opts := []tern.Option{tern.WithStyledLogger(styled)}
	if *configPath != "" {
		opts = append(opts, tern.WithConfigFile(*configPath))
	}
	if *insecure {
		opts = append(opts, tern.WithTLS(config.TLSConfig{InsecureSkipVerify: true}))
	}
	if *http3 {
		opts = append(opts, tern.WithHTTP3())
	}

	client, err := tern.New(opts...)
	if err != nil {
		styled.Error("Failed to build client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reqOpts := []tern.RequestOption{tern.WithTimeout(*timeout)}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			styled.Error("Malformed header flag", "value", h)
			os.Exit(2)
		}
		reqOpts = append(reqOpts, tern.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if *data != "" {
		reqOpts = append(reqOpts, tern.WithBody([]byte(*data)))
	}

	resp, err := client.Open(ctx, strings.ToUpper(*method), rawURL, reqOpts...)
	if err != nil {
		styled.Error("Request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Close()

	styled.InfoWithProtocol("Response received", protocolName(resp.Version), "status", resp.Status)
	if *verbose {
		resp.Headers.Range(func(name, value string) bool {
			fmt.Fprintf(os.Stderr, "< %s: %s\n", name, value)
			return true
		})
	}

	out := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			styled.Error("Failed to open output file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		styled.Error("Body read failed", "error", err, "bytes", written)
		os.Exit(1)
	}
	styled.Debug("body complete", "bytes", written)
}
