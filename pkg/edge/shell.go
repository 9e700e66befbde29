package edge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const shellHelp = `Commands:
  /status                  - Show overlay state and local AS vector
  /peers                   - List neighbors
  /closest                 - Rank neighbors by network proximity
  /catalog [peerID]        - Show the local catalog or a neighbor's
  /predict                 - Recompute the content prediction
  /providers <id>          - Find providers of a content item
  /download <id>           - Download a content item and wait for it
  /downloads               - List active downloads
  /history [downloads|uploads] [n] - Show the last [n] transfers (default 20)
  /quit                    - Exit
`

// RunShell reads commands from in until /quit, EOF or ctx is done.
func (e *Edge) RunShell(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "Edge node %s\n", e.node.ID())
	fmt.Fprint(out, shellHelp)
	fmt.Fprint(out, "> ")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		fields := strings.Fields(input)
		args := fields[1:]

		switch fields[0] {
		case "/quit":
			fmt.Fprintln(out, "Shutting down edge node...")
			return nil

		case "/status":
			st := e.Status()
			fmt.Fprintf(out, "ID:        %s\n", st.ID)
			fmt.Fprintf(out, "Overlay:   %s\n", st.Overlay)
			fmt.Fprintf(out, "Connected: %d\n", st.Connected)
			fmt.Fprintf(out, "Neighbors: %d\n", st.Neighbors)
			fmt.Fprintf(out, "AS vector: %v\n", st.LocalVector)

		case "/peers":
			list := e.Neighbors()
			if len(list) == 0 {
				fmt.Fprintln(out, "No neighbors known.")
				break
			}
			for _, p := range list {
				hops := "?"
				if p.Confirmed() {
					hops = strconv.Itoa(p.HopCount)
				}
				fmt.Fprintf(out, "  %s  %-15s hops=%s\n", p.ID, p.Address, hops)
			}

		case "/closest":
			ranked := e.Closest(ctx)
			if len(ranked) == 0 {
				fmt.Fprintln(out, "No neighbor answered.")
				break
			}
			for i, v := range ranked {
				fmt.Fprintf(out, "%2d. %s  %v\n", i+1, v.Peer.Short(), v.Path)
			}

		case "/catalog":
			peerID := ""
			if len(args) > 0 {
				peerID = args[0]
			}
			contents, err := e.Catalog(peerID)
			if err != nil {
				fmt.Fprintf(out, "Catalog unavailable: %v\n", err)
				break
			}
			fmt.Fprintf(out, "--- %d items ---\n", len(contents))
			for _, c := range contents {
				fmt.Fprintf(out, "  %d (%d bytes)\n", c.ID, c.Size)
			}

		case "/predict":
			predictions, err := e.Prediction(ctx, true)
			if err != nil {
				fmt.Fprintf(out, "Prediction failed: %v\n", err)
				break
			}
			if len(predictions) == 0 {
				fmt.Fprintln(out, "Nothing to predict.")
				break
			}
			for _, p := range predictions {
				fmt.Fprintf(out, "  %d score=%d holders=%d\n", p.Content.ID, p.Score, p.Holders)
			}

		case "/providers":
			id, ok := contentArg(out, args)
			if !ok {
				break
			}
			list := e.Providers(ctx, id)
			if len(list) == 0 {
				fmt.Fprintln(out, "No providers found.")
				break
			}
			for _, p := range list {
				fmt.Fprintf(out, "  %s hops=%d\n", p.ID, p.HopCount)
			}

		case "/download":
			id, ok := contentArg(out, args)
			if !ok {
				break
			}
			provider, err := e.Fetch(ctx, id)
			if err != nil {
				fmt.Fprintf(out, "Download failed: %v\n", err)
				break
			}
			fmt.Fprintf(out, "Downloaded %d from %s\n", id, provider.Short())

		case "/downloads":
			sessions := e.Downloads()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No active downloads.")
				break
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "  %d %s %d bytes from %s\n", s.Content.ID, s.State, s.Bytes, s.Provider)
			}

		case "/history":
			logID, count := DownloadLog, 20
			for _, a := range args {
				if n, err := strconv.Atoi(a); err == nil {
					count = n
				} else {
					logID = a
				}
			}
			if logID != DownloadLog && logID != UploadLog {
				fmt.Fprintf(out, "Unknown log %q, expected %s or %s\n", logID, DownloadLog, UploadLog)
				break
			}
			events, err := e.History(logID, count)
			if err != nil {
				fmt.Fprintf(out, "Could not load history for %s: %v\n", logID, err)
				break
			}
			fmt.Fprintf(out, "--- History for %s (last %d events) ---\n", logID, len(events))
			for _, ev := range events {
				fmt.Fprintf(out, "[%s] %d %s %s %d bytes\n",
					ev.Time.Format("15:04"), ev.ContentID, shortID(ev.Peer), ev.Outcome, ev.Bytes)
			}
			fmt.Fprintln(out, "--- End of history ---")

		default:
			fmt.Fprintf(out, "Unknown command %q\n", fields[0])
			fmt.Fprint(out, shellHelp)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func contentArg(out io.Writer, args []string) (int64, bool) {
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: <command> <content id>")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintln(out, "Invalid content id, must be a number.")
		return 0, false
	}
	return id, true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}
