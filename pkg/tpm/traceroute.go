package tpm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// DefaultMaxHops bounds every path trace.
const DefaultMaxHops = 30

var (
	// ErrTracerouteUnavailable means the platform has no usable path tracer.
	ErrTracerouteUnavailable = errors.New("traceroute unavailable")
	// ErrMalformedOutput means the tracer printed something the parser
	// does not recognize.
	ErrMalformedOutput = errors.New("malformed traceroute output")
)

var (
	linuxHopLine   = regexp.MustCompile(`^\s*(\d+)\s+(?:(\*)|(\S+)\s+\d+\.\d+ ms)`)
	windowsHopLine = regexp.MustCompile(`^\s*(\d+)\s+(\*|<?\d+ ms)\s+(\*|<?\d+ ms)\s+(\*|<?\d+ ms)\s+(.*\S)\s*$`)
)

// Tracer lists the router addresses on the path toward a target, nearest
// first. Hops that did not answer are the zero Addr.
type Tracer interface {
	Trace(ctx context.Context, target netip.Addr) ([]netip.Addr, error)
}

// ExecTracer runs the platform traceroute utility.
type ExecTracer struct {
	// Command overrides the utility name or path.
	Command string
	MaxHops int
	// GOOS overrides runtime.GOOS when picking the command line and parser.
	GOOS string
}

// Trace runs the utility toward target and parses its output.
func (t ExecTracer) Trace(ctx context.Context, target netip.Addr) ([]netip.Addr, error) {
	maxHops := t.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	goos := t.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	var (
		name  string
		args  []string
		parse func(io.Reader) ([]netip.Addr, error)
	)
	switch goos {
	case "windows":
		name = "tracert"
		args = []string{"-d", "-w", "1000", "-h", strconv.Itoa(maxHops), target.String()}
		parse = ParseWindows
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		name = "traceroute"
		args = []string{"-n", "-q", "1", "-w", "1", "-m", strconv.Itoa(maxHops), target.String()}
		parse = ParseLinux
	default:
		return nil, fmt.Errorf("%w on %s", ErrTracerouteUnavailable, goos)
	}
	if t.Command != "" {
		name = t.Command
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracerouteUnavailable, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, target, err, strings.TrimSpace(stderr.String()))
	}
	return parse(bytes.NewReader(out))
}

// ParseLinux parses `traceroute -n -q 1` output. The header line is
// optional since some implementations print it on stderr.
func ParseLinux(r io.Reader) ([]netip.Addr, error) {
	scanner := bufio.NewScanner(r)
	var hops []netip.Addr
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 && strings.HasPrefix(strings.TrimSpace(line), "traceroute") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := linuxHopLine.FindStringSubmatch(line)
		if m == nil || m[1] != strconv.Itoa(len(hops)+1) {
			return nil, parseError(lineNo, line)
		}
		if m[2] == "*" {
			hops = append(hops, netip.Addr{})
			continue
		}
		addr, err := netip.ParseAddr(m[3])
		if err != nil {
			return nil, parseError(lineNo, line)
		}
		hops = append(hops, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hops, nil
}

// ParseWindows parses `tracert -d` output. Lines before the first hop are
// the banner; the hop list ends at the first blank line after it.
func ParseWindows(r io.Reader) ([]netip.Addr, error) {
	scanner := bufio.NewScanner(r)
	var hops []netip.Addr
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(hops) > 0 {
				break
			}
			continue
		}
		m := windowsHopLine.FindStringSubmatch(line)
		if m == nil {
			if len(hops) == 0 {
				continue
			}
			return nil, parseError(lineNo, line)
		}
		if m[1] != strconv.Itoa(len(hops)+1) {
			return nil, parseError(lineNo, line)
		}
		if m[2]+m[3]+m[4] == "***" {
			hops = append(hops, netip.Addr{})
			continue
		}
		addr, err := netip.ParseAddr(m[5])
		if err != nil {
			return nil, parseError(lineNo, line)
		}
		hops = append(hops, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: no hops", ErrMalformedOutput)
	}
	return hops, nil
}

func parseError(lineNo int, line string) error {
	return fmt.Errorf("%w: line %d %q", ErrMalformedOutput, lineNo, line)
}
