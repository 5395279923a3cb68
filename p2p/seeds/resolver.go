package seeds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ServerResolver performs TXT lookups against an explicit list of DNS
// servers instead of the system resolver. Deployments point it at their
// authority's nameservers so seed resolution works even when the local
// recursive resolver strips or rewrites TXT records.
type ServerResolver struct {
	servers []string
	client  *dns.Client
}

// NewServerResolver builds a resolver for the given "host:port" servers.
func NewServerResolver(servers []string, timeout time.Duration) (*ServerResolver, error) {
	cleaned := make([]string, 0, len(servers))
	for _, server := range servers {
		trimmed := strings.TrimSpace(server)
		if trimmed == "" {
			continue
		}
		if !strings.Contains(trimmed, ":") {
			trimmed += ":53"
		}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil, errors.New("seed resolver: at least one DNS server required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ServerResolver{
		servers: cleaned,
		client:  &dns.Client{Timeout: timeout},
	}, nil
}

// LookupTXT queries each configured server in order and returns the first
// successful answer.
func (r *ServerResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	fqdn := dns.Fqdn(strings.TrimSpace(name))
	if fqdn == "." {
		return nil, errors.New("seed resolver: empty lookup name")
	}
	query := &dns.Msg{}
	query.SetQuestion(fqdn, dns.TypeTXT)

	var errs []error
	for _, server := range r.servers {
		reply, _, err := r.client.ExchangeContext(ctx, query, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[reply.Rcode]))
			continue
		}
		records := make([]string, 0, len(reply.Answer))
		for _, answer := range reply.Answer {
			if txt, ok := answer.(*dns.TXT); ok {
				// Long TXT payloads arrive chunked into 255-byte strings.
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}
	return nil, errors.Join(errs...)
}
