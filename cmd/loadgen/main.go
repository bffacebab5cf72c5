// loadgen fires concurrent GET requests through a running cacheproxy
// instance and reports status counts and latency percentiles.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"
)

type result struct {
	statusCode int
	latency    time.Duration
	err        error
}

func main() {
	var (
		proxyAddr   string
		targetURL   string
		requests    int
		concurrency int
		timeoutSec  int
	)
	flag.StringVar(&proxyAddr, "proxy", "http://127.0.0.1:8080", "proxy to send traffic through")
	flag.StringVar(&targetURL, "url", "", "target URL to request (required)")
	flag.IntVar(&requests, "n", 100, "total number of requests")
	flag.IntVar(&concurrency, "c", 10, "concurrent clients")
	flag.IntVar(&timeoutSec, "timeout", 10, "per-request timeout in seconds")
	flag.Parse()

	if targetURL == "" {
		fmt.Fprintln(os.Stderr, "usage: loadgen -url http://example.com/ [-proxy http://127.0.0.1:8080] [-n N] [-c C]")
		os.Exit(2)
	}
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad proxy address %q: %v\n", proxyAddr, err)
		os.Exit(2)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		Timeout: time.Duration(timeoutSec) * time.Second,
	}

	jobs := make(chan struct{}, requests)
	for i := 0; i < requests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	results := make([]result, 0, requests)
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				began := time.Now()
				r := result{}
				resp, err := client.Get(targetURL)
				if err != nil {
					r.err = err
				} else {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					r.statusCode = resp.StatusCode
				}
				r.latency = time.Since(began)

				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	statuses := make(map[int]int)
	errorCount := 0
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			errorCount++
			continue
		}
		statuses[r.statusCode]++
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("%d requests in %v (%.1f req/s)\n", len(results), elapsed.Round(time.Millisecond),
		float64(len(results))/elapsed.Seconds())
	for code, count := range statuses {
		fmt.Printf("  %d: %d\n", code, count)
	}
	if errorCount > 0 {
		fmt.Printf("  errors: %d\n", errorCount)
	}
	if len(latencies) > 0 {
		fmt.Printf("latency p50=%v p90=%v p99=%v max=%v\n",
			percentile(latencies, 50), percentile(latencies, 90),
			percentile(latencies, 99), latencies[len(latencies)-1])
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
