// Command health-probe checks a running chatrelay server. It requests
// /healthz and /readyz and exits non-zero when either fails, which makes
// it usable as a container healthcheck without shelling out to curl.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	base := flag.String("base", "http://127.0.0.1:8080", "base URL of the chatrelay server")
	timeout := flag.Duration("timeout", 3*time.Second, "per-request timeout")
	flag.Parse()

	c := &fasthttp.Client{
		Name:         "chatrelay-health-probe",
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		status, body, err := probe(c, *base+path, *timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
		if status != fasthttp.StatusOK {
			fmt.Fprintf(os.Stderr, "%s: status %d: %s\n", path, status, body)
			os.Exit(1)
		}
		fmt.Printf("%s: ok\n", path)
	}
}

func probe(c *fasthttp.Client, url string, timeout time.Duration) (int, string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := c.DoTimeout(req, resp, timeout); err != nil {
		return 0, "", err
	}
	return resp.StatusCode(), string(resp.Body()), nil
}
