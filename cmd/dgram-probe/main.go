// Command dgram-probe drives a handshake against a server using a
// previously issued token, printing state transitions as they happen.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/velanet/dgram/pkg/client"
	"github.com/velanet/dgram/pkg/token"
	"github.com/velanet/dgram/pkg/transport"
)

var opt struct {
	Addr    string
	Timeout time.Duration
	Send    string
	Verbose bool
	Help    bool
}

func init() {
	pflag.StringVarP(&opt.Addr, "listen", "a", "[::]:0", "UDP listen address")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", time.Second*10, "Amount of time to wait for the handshake to complete")
	pflag.StringVarP(&opt.Send, "send", "m", "", "Payload to send once connected, before disconnecting")
	pflag.BoolVarP(&opt.Verbose, "verbose", "v", false, "Enable debug-level logging")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 2 || opt.Help {
		fmt.Printf("usage: %s [options] token_file ip:port\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	pub, err := readToken(pflag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: read token: %v\n", err)
		os.Exit(2)
	}

	serverAddr, err := netip.ParseAddrPort(pflag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid server address: %v\n", err)
		os.Exit(2)
	}

	uaddr, err := netip.ParseAddrPort(opt.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid listen address: %v\n", err)
		os.Exit(2)
	}

	tr, err := transport.ListenUDP(uaddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	level := zerolog.InfoLevel
	if opt.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(level)

	c := client.New(tr, pub.ProtocolID, pub, logger)

	now := time.Now()
	if err := c.Connect(serverAddr, now); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: connecting...\n", serverAddr)

	deadline := now.Add(opt.Timeout)
	last := c.State()
	var sentAt time.Time

	t := time.NewTicker(client.PacketSendDelta / 10)
	defer t.Stop()
	for now := range t.C {
		c.Update(now)

		if s := c.State(); s != last {
			fmt.Printf("%s: %s -> %s\n", serverAddr, last, s)
			last = s
		}

		switch c.State() {
		case client.StateConnected:
			if p, ok := c.Recv(); ok {
				fmt.Printf("%s: recv %d bytes: %q\n", serverAddr, len(p), p)
			}
			switch {
			case opt.Send == "":
				c.Close()
				fmt.Printf("%s: closed\n", serverAddr)
				return
			case sentAt.IsZero():
				c.Send([]byte(opt.Send))
				sentAt = now
			case now.Sub(sentAt) >= time.Second:
				c.Close()
				fmt.Printf("%s: closed\n", serverAddr)
				return
			}
		case client.StateFailed:
			fmt.Fprintf(os.Stderr, "%s: failed: %v\n", serverAddr, c.FailReason())
			os.Exit(1)
		case client.StateDisconnected:
			return
		}

		if now.After(deadline) {
			fmt.Fprintf(os.Stderr, "%s: timed out in state %s\n", serverAddr, c.State())
			os.Exit(1)
		}
	}
}

func readToken(name string) (*token.Public, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if len(b) != token.PublicLen {
		return nil, fmt.Errorf("token file must be exactly %d bytes, got %d", token.PublicLen, len(b))
	}
	var buf [token.PublicLen]byte
	copy(buf[:], b)

	pub := token.UnmarshalPublic(&buf)
	if err := pub.Validate(); err != nil {
		return nil, err
	}
	return pub, nil
}
