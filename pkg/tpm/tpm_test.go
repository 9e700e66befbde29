package tpm

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const linuxOutput = `traceroute to 8.8.8.8 (8.8.8.8), 30 hops max, 60 byte packets
 1  149.156.203.249  4.025 ms
 2  149.156.119.17  4.116 ms
 3  149.156.6.222  3.675 ms
 4  149.156.4.245  3.796 ms
 5  212.191.224.69  9.667 ms
 6  62.40.125.245  35.203 ms
 7  62.40.98.130  30.821 ms
 8  62.40.125.202  30.265 ms
 9  209.85.241.110  31.014 ms
10  72.14.234.237  31.412 ms
11  209.85.241.226  38.833 ms
12  216.239.48.133  37.234 ms
13  209.85.255.49  41.889 ms
14  *
15  8.8.8.8  37.874 ms
`

const windowsOutput = "\r\n" +
	"Tracing route to 8.8.8.8 over a maximum of 30 hops\r\n" +
	"\r\n" +
	"  1     1 ms    <1 ms    <1 ms  149.156.203.249 \r\n" +
	"  2     2 ms     1 ms     1 ms  149.156.119.17 \r\n" +
	"  3    <1 ms    <1 ms    <1 ms  149.156.6.222 \r\n" +
	"  4    <1 ms    <1 ms    <1 ms  149.156.4.245 \r\n" +
	"  5     9 ms     9 ms     9 ms  212.191.224.69 \r\n" +
	"  6     9 ms     9 ms     9 ms  62.40.125.245 \r\n" +
	"  7    30 ms    30 ms    30 ms  62.40.98.130 \r\n" +
	"  8    29 ms    29 ms    29 ms  62.40.125.202 \r\n" +
	"  9    30 ms    30 ms    31 ms  209.85.241.110 \r\n" +
	" 10    30 ms    34 ms    30 ms  72.14.234.237 \r\n" +
	" 11    33 ms    33 ms    33 ms  209.85.241.226 \r\n" +
	" 12    36 ms    36 ms    36 ms  216.239.48.133 \r\n" +
	" 13    42 ms    36 ms    36 ms  209.85.255.49 \r\n" +
	" 14     *        *        *     Request timed out.\r\n" +
	" 15    36 ms    36 ms    36 ms  8.8.8.8 \r\n" +
	"\r\n" +
	"Trace complete.\r\n"

func fixtureHops() []netip.Addr {
	var hops []netip.Addr
	for _, s := range []string{
		"149.156.203.249", "149.156.119.17", "149.156.6.222", "149.156.4.245",
		"212.191.224.69", "62.40.125.245", "62.40.98.130", "62.40.125.202",
		"209.85.241.110", "72.14.234.237", "209.85.241.226", "216.239.48.133",
		"209.85.255.49", "", "8.8.8.8",
	} {
		if s == "" {
			hops = append(hops, netip.Addr{})
			continue
		}
		hops = append(hops, netip.MustParseAddr(s))
	}
	return hops
}

// fixtureASN attributes the fixture hops the way the public registry does.
func fixtureASN() staticResolver {
	asn := staticResolver{}
	for _, h := range fixtureHops() {
		if !h.IsValid() {
			continue
		}
		s := h.String()
		switch {
		case strings.HasPrefix(s, "149.156."):
			asn[h] = 8267
		case strings.HasPrefix(s, "212.191."):
			asn[h] = 8501
		case strings.HasPrefix(s, "62.40."):
			asn[h] = 20965
		default:
			asn[h] = 15169
		}
	}
	return asn
}

type staticResolver map[netip.Addr]uint32

func (r staticResolver) Lookup(_ context.Context, addrs []netip.Addr) (map[netip.Addr]uint32, error) {
	out := make(map[netip.Addr]uint32)
	for _, a := range addrs {
		if as, ok := r[a]; ok {
			out[a] = as
		}
	}
	return out, nil
}

type staticTracer struct {
	hops []netip.Addr
	err  error
}

func (t staticTracer) Trace(context.Context, netip.Addr) ([]netip.Addr, error) {
	return t.hops, t.err
}

func TestParseLinux(t *testing.T) {
	hops, err := ParseLinux(strings.NewReader(linuxOutput))
	require.NoError(t, err)
	require.Equal(t, fixtureHops(), hops)
}

func TestParseLinuxWithoutHeader(t *testing.T) {
	body := linuxOutput[strings.Index(linuxOutput, "\n")+1:]
	hops, err := ParseLinux(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, hops, 15)
}

func TestParseLinuxRejectsGaps(t *testing.T) {
	_, err := ParseLinux(strings.NewReader("traceroute to x\n 1  10.0.0.1  1.000 ms\n 3  10.0.0.3  1.000 ms\n"))
	require.ErrorIs(t, err, ErrMalformedOutput)
}

func TestParseWindows(t *testing.T) {
	hops, err := ParseWindows(strings.NewReader(windowsOutput))
	require.NoError(t, err)
	require.Equal(t, fixtureHops(), hops)
}

func TestParseWindowsNoHops(t *testing.T) {
	_, err := ParseWindows(strings.NewReader("\r\nUnable to resolve target system name x.\r\n"))
	require.ErrorIs(t, err, ErrMalformedOutput)
}

func TestExecTracerUnavailable(t *testing.T) {
	_, err := ExecTracer{GOOS: "plan9"}.Trace(context.Background(), DefaultAnchor)
	require.ErrorIs(t, err, ErrTracerouteUnavailable)

	_, err = ExecTracer{Command: "unada-no-such-traceroute", GOOS: "linux"}.Trace(context.Background(), DefaultAnchor)
	require.ErrorIs(t, err, ErrTracerouteUnavailable)
}

func TestIsSpecialPurpose(t *testing.T) {
	for _, s := range []string{"10.5.6.7", "172.31.1.1", "192.168.100.5", "240.15.45.5", "127.0.0.1", "100.64.1.1"} {
		require.True(t, IsSpecialPurpose(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "149.156.96.9", "193.0.14.129", "199.7.83.42"} {
		require.False(t, IsSpecialPurpose(netip.MustParseAddr(s)), s)
	}
	require.True(t, IsSpecialPurpose(netip.MustParseAddr("::ffff:10.1.1.1")))
	require.True(t, IsSpecialPurpose(netip.MustParseAddr("fe80::1")))
	require.False(t, IsSpecialPurpose(netip.MustParseAddr("2001:4860:4860::8888")))
}

func TestBuildVectorFixture(t *testing.T) {
	path := BuildVector(fixtureHops(), fixtureASN(), true)
	require.Equal(t, []uint32{8267, 8501, 20965, 15169}, path)
}

func TestBuildVectorUnknownHops(t *testing.T) {
	a := netip.MustParseAddr("1.1.1.1")
	b := netip.MustParseAddr("2.2.2.2")
	priv := netip.MustParseAddr("192.168.1.1")
	unknown := netip.Addr{}
	asn := map[netip.Addr]uint32{a: 1, b: 2, priv: 0}

	hops := []netip.Addr{priv, a, unknown, unknown, b, unknown}
	require.Equal(t, []uint32{0, 1, 0, 2, 0}, BuildVector(hops, asn, true))
	require.Equal(t, []uint32{0, 1, 0, 0, 2, 0}, BuildVector(hops, asn, false))
	require.Empty(t, BuildVector(nil, asn, true))
}

func TestCommonPrefix(t *testing.T) {
	require.Equal(t, 2, CommonPrefix([]uint32{1, 2, 3}, []uint32{1, 2, 4}))
	require.Equal(t, 0, CommonPrefix([]uint32{0, 2}, []uint32{0, 2}))
	require.Equal(t, 1, CommonPrefix([]uint32{1, 0}, []uint32{1, 0}))
	require.Equal(t, 0, CommonPrefix(nil, []uint32{1}))
}

// fakeWhois serves canned bulk answers and counts connections.
func fakeWhois(t *testing.T, answers map[string]string) (string, *atomic.Int32) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	var conns atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				var ips []string
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "end" {
						break
					}
					switch line {
					case "begin", "noasname", "noheader":
						continue
					}
					ips = append(ips, line)
				}
				var out strings.Builder
				out.WriteString("Bulk mode; whois.cymru.com [2014-09-01 10:00:00 +0000]\n")
				for _, ip := range ips {
					if as, ok := answers[ip]; ok {
						out.WriteString(as + "   | " + ip + "\n")
					} else {
						out.WriteString("NA      | " + ip + "\n")
					}
				}
				_, _ = c.Write([]byte(out.String()))
			}(conn)
		}
	}()
	return ln.Addr().String(), &conns
}

func TestCymruLookup(t *testing.T) {
	addr, conns := fakeWhois(t, map[string]string{
		"8.8.8.8":      "15169",
		"149.156.96.9": "8267",
		"193.0.14.129": "25152",
	})
	client := NewCymruClient(WhoisOptions{Addr: addr, Timeout: 2 * time.Second}, zaptest.NewLogger(t))

	addrs := []netip.Addr{
		netip.MustParseAddr("10.5.6.7"),
		netip.MustParseAddr("172.31.1.1"),
		netip.MustParseAddr("8.8.8.8"),
		netip.MustParseAddr("149.156.96.9"),
		netip.MustParseAddr("193.0.14.129"),
		netip.MustParseAddr("199.7.83.42"),
		{},
	}
	got, err := client.Lookup(context.Background(), addrs)
	require.NoError(t, err)
	require.Equal(t, map[netip.Addr]uint32{
		netip.MustParseAddr("10.5.6.7"):     0,
		netip.MustParseAddr("172.31.1.1"):   0,
		netip.MustParseAddr("8.8.8.8"):      15169,
		netip.MustParseAddr("149.156.96.9"): 8267,
		netip.MustParseAddr("193.0.14.129"): 25152,
	}, got)
	require.Equal(t, int32(1), conns.Load())

	got, err = client.Lookup(context.Background(), addrs[2:5])
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int32(1), conns.Load(), "answers come from the cache")
}

func TestCymruLookupDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewCymruClient(WhoisOptions{Addr: addr, Timeout: time.Second}, zaptest.NewLogger(t))
	got, err := client.Lookup(context.Background(), []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("8.8.8.8"),
	})
	require.Error(t, err)
	require.Equal(t, uint32(0), got[netip.MustParseAddr("10.0.0.1")])
}
