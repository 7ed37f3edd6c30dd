// Package dnsresolve implements the background DNS resolver goroutine
// that answers hostname lookups for the P2P loop without blocking it on
// a synchronous net.LookupHost call.
package dnsresolve

import (
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/psq/stacks-blockchain/internal/xlog"
)

// Request asks the resolver to look up host and deliver the result on
// Reply exactly once.
type Request struct {
	Host  string
	Reply chan Result
}

// Result is a completed lookup: either a list of resolved IPv4 addresses
// or an error.
type Result struct {
	Addrs []string
	Err   error
}

// Resolver runs its own goroutine, draining lookup requests and querying
// the configured nameservers directly over the DNS wire protocol.
type Resolver struct {
	log         xlog.Logger
	nameservers []string
	timeout     time.Duration

	requests chan Request
	exitCh   chan struct{}
}

// New constructs a Resolver. If nameservers is empty, "8.8.8.8:53" is used.
func New(nameservers []string, timeout time.Duration) *Resolver {
	if len(nameservers) == 0 {
		nameservers = []string{"8.8.8.8:53"}
	}
	return &Resolver{
		log:         xlog.New("component", "dns-resolver"),
		nameservers: nameservers,
		timeout:     timeout,
		requests:    make(chan Request, 64),
		exitCh:      make(chan struct{}),
	}
}

// Requests returns the channel callers post lookup Requests on.
func (r *Resolver) Requests() chan<- Request { return r.requests }

// Stop signals the resolver's goroutine to exit.
func (r *Resolver) Stop() { close(r.exitCh) }

// ThreadMain is the resolver goroutine's entry point: it blocks draining
// requests until Stop is called.
func (r *Resolver) ThreadMain() {
	for {
		select {
		case <-r.exitCh:
			return
		case req := <-r.requests:
			req.Reply <- r.resolve(req.Host)
		}
	}
}

func (r *Resolver) resolve(host string) Result {
	c := new(dns.Client)
	c.Timeout = r.timeout

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, ns := range r.nameservers {
		resp, _, err := c.Exchange(m, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dnsresolve: %s returned rcode %d", ns, resp.Rcode)
			continue
		}
		var addrs []string
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				addrs = append(addrs, a.A.String())
			}
		}
		if len(addrs) > 0 {
			return Result{Addrs: addrs}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dnsresolve: no A records found for %s", host)
	}
	return Result{Err: lastErr}
}
