package drtnode

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"strconv"
	"strings"

	"p2p-drt/internal/drt"
	"p2p-drt/internal/uiutil"
)

// ParseKey reads a 64 character hex key; any other text is hashed.
func ParseKey(s string) drt.Key {
	if len(s) == 2*drt.KeySize {
		if k, err := drt.ParseKeyHex(s); err == nil {
			return k
		}
	}
	return drt.Key(sha256.Sum256([]byte(s)))
}

func (a *App) readStdin(ctx context.Context) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.handleCommand(ctx, line)
	}
}

func (a *App) handleCommand(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "/quit", "/exit":
		a.ui.Println("quitting...")
		a.requestQuit()

	case "/help":
		PrintCommands(a.ui)

	case "/me":
		a.ui.Println()
		a.ui.Println("== You ==")
		a.ui.Printf("  Key:        %s\n", a.Node.Key().Hex())
		a.ui.Printf("  Listen on:  %s\n", a.Node.LocalAddr())
		a.ui.Printf("  Status:     %s\n", a.Node.Status())
		a.ui.Printf("  Nodes:      %d\n", a.Node.Routing().NodeCount())
		a.ui.Printf("  Leafset:    %d\n", a.Node.Routing().Size())
		a.ui.Printf("  Keys:       %d\n", len(a.Node.Registrations()))
		a.ui.Println()

	case "/leafset":
		PrintEntries(a.ui, a.Node.Leafset())

	case "/regs":
		PrintRegistrations(a.ui, a.Node.Registrations())

	case "/register":
		if len(fields) < 3 {
			a.ui.Println("usage: /register <key> <data>")
			return
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		keyText, data, _ := strings.Cut(rest, " ")
		data = strings.TrimSpace(data)
		k := ParseKey(keyText)
		r, err := a.Node.RegisterKey(k, []byte(data), nil)
		if err != nil {
			a.ui.Printf("register: %v\n", err)
			return
		}
		a.ui.Printf("[REG] registering %s (%s)\n", k.Hex(), r.ID)

	case "/unregister":
		if len(fields) != 2 {
			a.ui.Println("usage: /unregister <key>")
			return
		}
		k := ParseKey(fields[1])
		if err := a.Node.UnregisterKey(k); err != nil {
			a.ui.Printf("unregister: %v\n", err)
			return
		}
		a.ui.Printf("[REG] unregistered %s\n", k.Hex())

	case "/search":
		req, err := parseSearch(fields[1:])
		if err != nil {
			a.ui.Printf("search: %v\n", err)
			return
		}
		a.startSearch(ctx, req)

	case "/next":
		a.nextResult(ctx)

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
	}
}

var errSearchUsage = errors.New("usage: /search exact|nearest|iter <key> | /search range <min> <max> [max_results]")

func parseSearch(args []string) (drt.SearchRequest, error) {
	if len(args) < 2 {
		return drt.SearchRequest{}, errSearchUsage
	}
	var req drt.SearchRequest
	switch args[0] {
	case "exact":
		req.Type = drt.SearchExact
	case "nearest":
		req.Type = drt.SearchNearest
	case "iter", "iterative":
		req.Type = drt.SearchIterative
	case "range":
		if len(args) < 3 || len(args) > 4 {
			return req, errSearchUsage
		}
		req.Type = drt.SearchRange
		req.Min, req.Max = ParseKey(args[1]), ParseKey(args[2])
		if drt.Compare(req.Min, req.Max) > 0 {
			req.Min, req.Max = req.Max, req.Min
		}
		if len(args) == 4 {
			n, err := strconv.Atoi(args[3])
			if err != nil || n <= 0 {
				return req, errors.New("max_results must be a positive number")
			}
			req.MaxEndpoints = n
		}
		return req, nil
	default:
		return req, errSearchUsage
	}
	if len(args) != 2 {
		return req, errSearchUsage
	}
	req.Target = ParseKey(args[1])
	return req, nil
}

func (a *App) startSearch(ctx context.Context, req drt.SearchRequest) {
	a.endSearch()

	s, err := a.Node.StartSearch(req)
	if err != nil {
		a.ui.Printf("search: %v\n", err)
		return
	}
	a.searchMu.Lock()
	a.search = s
	a.searchMu.Unlock()

	a.ui.Printf("[SEARCH] %s started\n", req.Type)
	a.nextResult(ctx)
}

// nextResult prints the next result of the current search. An iterative
// search paused at a hop is continued first.
func (a *App) nextResult(ctx context.Context) {
	a.searchMu.Lock()
	s := a.search
	a.searchMu.Unlock()
	if s == nil {
		a.ui.Println("no search running, use /search")
		return
	}

	r, err := s.Next(ctx)
	if errors.Is(err, drt.ErrSearchInProgress) && s.Request().Type == drt.SearchIterative {
		if err = s.Continue(); err == nil {
			r, err = s.Next(ctx)
		}
	}
	switch {
	case err == nil:
		PrintResult(a.ui, r)
		if r.Type == drt.MatchIntermediate {
			a.ui.Println(uiutil.Dim("    /next to take the next hop"))
		}
	case errors.Is(err, drt.ErrNoMore):
		a.ui.Printf("[SEARCH] no more results (%d hops)\n", len(s.Path()))
		a.endSearch()
	case errors.Is(err, drt.ErrTimeout):
		a.ui.Println("[SEARCH] timed out")
		a.endSearch()
	default:
		a.ui.Printf("[SEARCH] %v\n", err)
	}
}

func (a *App) endSearch() {
	a.searchMu.Lock()
	s := a.search
	a.search = nil
	a.searchMu.Unlock()
	if s != nil {
		s.End()
	}
}
