package tpm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultWhoisAddr    = "whois.cymru.com:43"
	DefaultWhoisTimeout = 10 * time.Second
	defaultCacheSize    = 4096
	defaultCacheTTL     = 24 * time.Hour
)

var whoisLine = regexp.MustCompile(`^\s*(\d+)\s*\|\s*(\S+)`)

// Resolver maps hop addresses to AS numbers. Addresses it cannot attribute
// are left out of the result.
type Resolver interface {
	Lookup(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]uint32, error)
}

// WhoisOptions configures a CymruClient.
type WhoisOptions struct {
	Addr    string
	Timeout time.Duration
	// ResolveSpecial sends special-purpose addresses to the server instead
	// of mapping them to AS 0 locally.
	ResolveSpecial bool
	CacheSize      int
	CacheTTL       time.Duration
}

// CymruClient resolves addresses with the Team Cymru bulk whois service.
type CymruClient struct {
	opts   WhoisOptions
	dialer net.Dialer
	cache  *expirable.LRU[netip.Addr, uint32]
	logger *zap.Logger
}

// NewCymruClient creates a client with an in-memory answer cache.
func NewCymruClient(opts WhoisOptions, logger *zap.Logger) *CymruClient {
	if opts.Addr == "" {
		opts.Addr = DefaultWhoisAddr
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWhoisTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &CymruClient{
		opts:   opts,
		cache:  expirable.NewLRU[netip.Addr, uint32](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger.Named("whois"),
	}
}

// Lookup resolves addrs. Invalid (unanswered) hops are skipped and
// special-purpose addresses map to AS 0 without a query.
func (c *CymruClient) Lookup(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]uint32, error) {
	out := make(map[netip.Addr]uint32, len(addrs))
	var query []netip.Addr
	seen := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if !c.opts.ResolveSpecial && IsSpecialPurpose(a) {
			out[a] = 0
			continue
		}
		if as, ok := c.cache.Get(a); ok {
			out[a] = as
			continue
		}
		query = append(query, a)
	}
	if len(query) == 0 {
		return out, nil
	}

	resolved, err := c.bulk(ctx, query)
	if err != nil {
		return out, err
	}
	for a, as := range resolved {
		c.cache.Add(a, as)
		out[a] = as
	}
	c.logger.Debug("resolved hops", zap.Int("queried", len(query)), zap.Int("resolved", len(resolved)))
	return out, nil
}

func (c *CymruClient) bulk(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial whois %s: %w", c.opts.Addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var req strings.Builder
	req.WriteString("begin\r\nnoasname\r\nnoheader\r\n")
	for _, a := range addrs {
		req.WriteString(a.String())
		req.WriteString("\r\n")
	}
	req.WriteString("end\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("write whois request: %w", err)
	}

	wanted := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		wanted[a] = struct{}{}
	}
	out := make(map[netip.Addr]uint32, len(addrs))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Bulk mode;") {
			continue
		}
		m := whoisLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		as, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		addr, err := netip.ParseAddr(m[2])
		if err != nil {
			continue
		}
		if _, ok := wanted[addr]; ok {
			out[addr] = uint32(as)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read whois response: %w", err)
	}
	return out, nil
}
