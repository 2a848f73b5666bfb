package services

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes    = 512 * 1024
	dnsRefreshEvery = 5 * time.Minute
	userAgent       = "siteprobe/1.0 (+https://siteprobe.dev)"
)

// NewHTTPClient builds the shared outbound client used by the builtin
// runners. DNS lookups are cached and refreshed in the background so the
// fan-out does not hammer the resolver with six lookups per scan.
func NewHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}

	go func() {
		ticker := time.NewTicker(dnsRefreshEvery)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
			log.Debug().Msg("DNS cache refreshed")
		}
	}()

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no addresses resolved for %s", host)
			}
			return nil, lastErr
		},
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// fetchPage retrieves the target page with a bounded body read. Non-2xx
// responses become UpstreamError so classification can distinguish 4xx
// from 5xx.
func fetchPage(ctx context.Context, client *http.Client, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, URL: pageURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}
