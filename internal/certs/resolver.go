package certs

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up the IPv4 addresses a name points at.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
}

// DNSResolver queries one recursive server directly.
type DNSResolver struct {
	// Server is host:port of the resolver to ask.
	Server  string
	Timeout time.Duration
}

func (r DNSResolver) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := &dns.Client{Timeout: timeout}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("query %s at %s: %w", name, r.Server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s at %s: %s", name, r.Server, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return ips, nil
}
