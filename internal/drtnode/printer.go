package drtnode

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"p2p-drt/internal/drt"
	"p2p-drt/internal/uiutil"
)

type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
}

type StdPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdPrinter(w io.Writer) *StdPrinter { return &StdPrinter{w: w} }

func (p *StdPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *StdPrinter) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, args...)
}

func PrintEvent(p Printer, ev drt.Event) {
	switch ev.Type {
	case drt.EventStatusChanged:
		if ev.Err != nil {
			p.Printf("[STATUS] %s (%v)\n", ev.Status, ev.Err)
			return
		}
		p.Printf("[STATUS] %s\n", ev.Status)
	case drt.EventLeafsetKeyChanged:
		p.Printf("[LEAFSET] %-7s %s @ %s\n", ev.Change, uiutil.FormatKey(ev.Key.Hex()), ev.Addr)
	case drt.EventRegistrationStateChanged:
		p.Printf("[REG] %s %s %s\n", uiutil.FormatKey(ev.Key.Hex()), ev.RegState, uiutil.Dim(ev.RegistrationID.String()))
	default:
		p.Printf("[EVENT] %s\n", ev)
	}
}

func PrintResult(p Printer, r drt.Result) {
	from := "local"
	if r.From.IsValid() {
		from = r.From.String()
	}
	addrs := make([]string, 0, len(r.Addresses))
	for _, a := range r.Addresses {
		addrs = append(addrs, a.String())
	}
	p.Printf("[%s] %s  via %s  addrs=[%s]\n", strings.ToUpper(r.Type.String()), uiutil.FormatKey(r.Key.Hex()), from, strings.Join(addrs, " "))
	if len(r.AppData) > 0 {
		p.Printf("    data: %s\n", printable(r.AppData))
	}
}

// printable shows app data as text when it is plain ASCII, hex otherwise.
func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", b)
		}
	}
	return string(b)
}

func PrintEntries(p Printer, entries []drt.Entry) {
	if len(entries) == 0 {
		p.Println("leafset is empty")
		return
	}
	p.Println()
	p.Printf("%-16s  %-5s  %s\n", "KEY", "KIND", "ADDR")
	p.Printf("%-16s  %-5s  %s\n", "---", "----", "----")
	for _, e := range entries {
		kind := "reg"
		if e.IsNode() {
			kind = "node"
		}
		p.Printf("%s  %-5s  %s\n", uiutil.FormatKey(e.Key.Hex()), kind, e.Addr)
	}
	p.Println()
}

func PrintRegistrations(p Printer, regs []*drt.Registration) {
	if len(regs) == 0 {
		p.Println("no registrations")
		return
	}
	p.Println()
	p.Printf("%-16s  %-12s  %s\n", "KEY", "STATE", "DATA")
	p.Printf("%-16s  %-12s  %s\n", "---", "-----", "----")
	for _, r := range regs {
		p.Printf("%s  %-12s  %s\n", uiutil.FormatKey(r.Key.Hex()), r.State(), printable(r.AppData))
	}
	p.Println()
}
