package tool

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// RegisterBuiltins adds the network reconnaissance capabilities that ship
// with the binary, plus the containerized shell and its stop tool.
func RegisterBuiltins(r *Registry, docker DockerOptions) error {
	caps := []Capability{
		DNSResolve(net.DefaultResolver),
		TCPProbe(&net.Dialer{}),
		HTTPProbe(&http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}),
		Sleep(),
		NewDockerShell(docker),
		NewDockerStop(),
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// DNSResolve looks up the addresses of a host.
func DNSResolve(resolver *net.Resolver) Capability {
	desc := Descriptor{
		Name:        "dns_resolve",
		Description: "Resolve a hostname to its IP addresses",
		Category:    "recon",
		Schema: Object(map[string]*openapi3.Schema{
			"host": String("hostname to resolve"),
		}, "host"),
	}
	return Func(desc, func(ctx context.Context, args map[string]any) (*Result, error) {
		host := argString(args, "host")
		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil {
			var dnsErr *net.DNSError
			if stderrors.As(err, &dnsErr) && dnsErr.IsNotFound {
				return JSONResult(map[string]any{"host": host, "addresses": []string{}})
			}
			return nil, err
		}
		return JSONResult(map[string]any{"host": host, "addresses": addrs})
	})
}

// TCPProbe reports which of the given ports accept a TCP connection.
func TCPProbe(dialer *net.Dialer) Capability {
	desc := Descriptor{
		Name:        "tcp_probe",
		Description: "Attempt TCP connections to a list of ports",
		Category:    "recon",
		Schema: Object(map[string]*openapi3.Schema{
			"host":       String("target host or IP"),
			"ports":      ArrayOf(Integer("port"), "ports to probe"),
			"timeout_ms": WithDefault(Integer("per-port dial timeout"), 2000),
		}, "host", "ports"),
	}
	return Func(desc, func(ctx context.Context, args map[string]any) (*Result, error) {
		host := argString(args, "host")
		perPort := time.Duration(argInt(args, "timeout_ms", 2000)) * time.Millisecond

		open, closed := []int{}, []int{}
		for _, port := range argInts(args, "ports") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			dctx, cancel := context.WithTimeout(ctx, perPort)
			conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			cancel()
			if err != nil {
				closed = append(closed, port)
				continue
			}
			_ = conn.Close()
			open = append(open, port)
		}
		return JSONResult(map[string]any{"host": host, "open": open, "closed": closed})
	})
}

// HTTPProbe fetches a URL and reports status and identifying headers.
func HTTPProbe(client *http.Client) Capability {
	desc := Descriptor{
		Name:        "http_probe",
		Description: "Request a URL and report status, server and redirect target",
		Category:    "recon",
		Schema: Object(map[string]*openapi3.Schema{
			"url":    String("absolute URL"),
			"method": WithDefault(String("HTTP method"), "GET"),
		}, "url"),
	}
	return Func(desc, func(ctx context.Context, args map[string]any) (*Result, error) {
		method := argString(args, "method")
		if method == "" {
			method = http.MethodGet
		}
		req, err := http.NewRequestWithContext(ctx, method, argString(args, "url"), nil)
		if err != nil {
			return nil, errors.NewArgumentError("http_probe", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

		return JSONResult(map[string]any{
			"url":            req.URL.String(),
			"status":         resp.StatusCode,
			"server":         resp.Header.Get("Server"),
			"location":       resp.Header.Get("Location"),
			"content_type":   resp.Header.Get("Content-Type"),
			"content_length": n,
		})
	})
}

// Sleep waits for a duration; used to pace plans and in smoke tests.
func Sleep() Capability {
	desc := Descriptor{
		Name:        "sleep",
		Description: "Wait for the given number of milliseconds",
		Category:    "utility",
		NoCache:     true,
		Schema: Object(map[string]*openapi3.Schema{
			"duration_ms": Integer("milliseconds to wait"),
		}, "duration_ms"),
	}
	return Func(desc, func(ctx context.Context, args map[string]any) (*Result, error) {
		d := time.Duration(argInt(args, "duration_ms", 0)) * time.Millisecond
		select {
		case <-time.After(d):
			return JSONResult(map[string]any{"slept_ms": d.Milliseconds()})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

func argInts(args map[string]any, key string) []int {
	raw, _ := args[key].([]any)
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}
