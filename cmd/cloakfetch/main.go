// Command cloakfetch sends one request as a browser would and prints the
// response.
//
//	cloakfetch -browser firefox -H 'Accept: application/json' https://example.com
//
// Defaults for -browser, -proxy and -resolver come from the environment
// (CLOAKFETCH_BROWSER, CLOAKFETCH_PROXY, CLOAKFETCH_DNS_RESOLVER), which
// is first loaded from a .env file when one exists.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/sardanioss/cloakfetch/client"
	"github.com/sardanioss/cloakfetch/dns"
	"github.com/sardanioss/cloakfetch/fingerprint"
)

// headerFlag collects repeated -H "Name: value" flags.
type headerFlag map[string]string

func (h headerFlag) String() string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k+": "+h[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func (h headerFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("header %q is not \"Name: value\"", v)
	}
	h[name] = strings.TrimSpace(value)
	return nil
}

func envDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

type options struct {
	browser        string
	method         string
	data           string
	headers        headerFlag
	http3          bool
	priorKnowledge bool
	insecure       bool
	proxy          string
	resolver       string
	timeout        time.Duration
	noFallback     bool
	maxRedirects   int
	include        bool
	url            string
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{headers: headerFlag{}}
	fs.StringVar(&o.browser, "browser", envDefault("CLOAKFETCH_BROWSER", "chrome"), "browser to impersonate: chrome, firefox or none")
	fs.StringVar(&o.method, "X", "", "request method (default GET, or POST with -d)")
	fs.StringVar(&o.data, "d", "", "request body")
	fs.Var(o.headers, "H", "extra header \"Name: value\" (repeatable)")
	fs.BoolVar(&o.http3, "http3", false, "allow HTTP/3")
	fs.BoolVar(&o.priorKnowledge, "http3-only", false, "send over HTTP/3 without negotiating (implies -http3)")
	fs.BoolVar(&o.insecure, "k", false, "skip certificate verification")
	fs.StringVar(&o.proxy, "proxy", envDefault("CLOAKFETCH_PROXY", ""), "proxy URL (http, socks5 or socks5h)")
	fs.StringVar(&o.resolver, "resolver", envDefault("CLOAKFETCH_DNS_RESOLVER", dns.DefaultResolver), "DNS server for HTTPS record probes")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	fs.BoolVar(&o.noFallback, "no-fallback", false, "fail instead of retrying without impersonation")
	fs.IntVar(&o.maxRedirects, "max-redirects", 10, "redirects to follow; 0 returns the first response")
	fs.BoolVar(&o.include, "i", false, "print the status line and headers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one URL, got %d arguments", fs.NArg())
	}
	o.url = fs.Arg(0)
	if o.method == "" {
		o.method = "GET"
		if o.data != "" {
			o.method = "POST"
		}
	}
	if o.priorKnowledge {
		o.http3 = true
	}
	return o, nil
}

func (o *options) clientOptions() ([]client.Option, error) {
	opts := []client.Option{
		client.WithTimeout(o.timeout),
		client.WithVanillaFallback(!o.noFallback),
		client.WithProxy(o.proxy),
		client.WithDNSResolver(o.resolver),
	}
	if o.browser != "" && o.browser != "none" {
		b, err := fingerprint.ParseBrowser(o.browser)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithBrowser(b))
	}
	if o.http3 {
		opts = append(opts, client.WithHTTP3())
	}
	if o.insecure {
		opts = append(opts, client.WithIgnoreTLSErrors())
	}
	if o.maxRedirects > 0 {
		opts = append(opts, client.WithRedirect(client.FollowRedirects(o.maxRedirects)))
	} else {
		opts = append(opts, client.WithRedirect(client.ManualRedirects()))
	}
	return opts, nil
}

func writeResponse(w io.Writer, resp *client.Response, include bool) error {
	if include {
		fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
		keys := make([]string, 0, len(resp.Header))
		for k := range resp.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range resp.Header[k] {
				fmt.Fprintf(w, "%s: %s\n", k, v)
			}
		}
		if !resp.Impersonated {
			fmt.Fprintln(w, "X-Cloakfetch-Fallback: true")
		}
		fmt.Fprintln(w)
	}
	text, err := resp.Text()
	if err != nil {
		_, err = w.Write(resp.Body)
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("cloakfetch", flag.ContinueOnError)
	klog.InitFlags(fs)
	o, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	opts, err := o.clientOptions()
	if err != nil {
		return err
	}
	c, err := client.New(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	var body []byte
	if o.data != "" {
		body = []byte(o.data)
	}
	resp, err := c.Dispatch(ctx, o.method, o.url, body, &client.RequestOptions{
		Headers:             o.headers,
		HTTP3PriorKnowledge: o.priorKnowledge,
	})
	if err != nil {
		return err
	}
	return writeResponse(stdout, resp, o.include)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("loading .env: %v", err)
	}
	defer klog.Flush()

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cloakfetch:", err)
		os.Exit(1)
	}
}
