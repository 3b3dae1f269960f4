package drtnode

import (
	"p2p-drt/internal/drt"
	"p2p-drt/internal/uiutil"
)

func PrintBanner(p Printer, n *drt.Node) {
	p.Println()
	p.Println("Node started.")
	p.Printf("Key:            %s\n", uiutil.FormatKey(n.Key().Hex()))
	p.Printf("Addr:           %s\n", n.LocalAddr())
	p.Printf("Status:         %s\n", n.Status())
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /register <key> <data>          - publish a key with app data")
	p.Println("    /unregister <key>               - withdraw a registered key")
	p.Println("    /search exact <key>             - find a key")
	p.Println("    /search nearest <key>           - find the closest registered key")
	p.Println("    /search range <min> <max> [n]   - find up to n keys in [min, max]")
	p.Println("    /search iter <key>              - walk towards a key one hop at a time")
	p.Println("    /next                           - next result (continues an iter search)")
	p.Println("    /leafset                        - show the routing table")
	p.Println("    /regs                           - show local registrations")
	p.Println("    /me                             - prints your info")
	p.Println("    /quit                           - exit")
	p.Println(uiutil.Dim("  keys are 64 hex chars, anything else is hashed with SHA-256"))
}
