package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"spindle/core"
	"spindle/host/client"
	"spindle/host/serial"
)

var (
	device = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud   = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
)

func main() {
	flag.Parse()

	fmt.Println("spindle-host - SPI transfer engine console")
	fmt.Println("==========================================")

	conn := client.NewClient()

	fmt.Printf("Connecting to %s...\n", *device)
	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	if err := conn.ConnectWithConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("Connected. Fetching dictionary...")
	if err := conn.Identify(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: identify failed: %v\n", err)
		os.Exit(1)
	}
	conn.PrintDictionary()

	fmt.Println("Enter commands (type 'help' for a list, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		if args[0] == "quit" || args[0] == "exit" || args[0] == "q" {
			fmt.Println("Goodbye!")
			return
		}

		if err := run(conn, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func run(conn *client.Client, args []string) error {
	switch args[0] {
	case "help", "?":
		printHelp()
		return nil

	case "dict":
		conn.PrintDictionary()
		return nil

	case "raw":
		raw := conn.GetDictionaryRaw()
		fmt.Printf("Raw dictionary (%d bytes):\n%s\n", len(raw), string(raw))
		return nil

	case "buses":
		buses := conn.Buses()
		if len(buses) == 0 {
			fmt.Println("No spi_bus enumeration in the dictionary")
			return nil
		}
		for name, idx := range buses {
			fmt.Printf("  [%d] %s\n", idx, name)
		}
		return nil

	case "config":
		oid, pin, active, err := argOidPinFlag(args[1:])
		if err != nil {
			return err
		}
		return conn.ConfigCS(oid, pin, active)

	case "nocs":
		oid, err := argOid(args[1:])
		if err != nil {
			return err
		}
		return conn.ConfigNoCS(oid)

	case "bus":
		if len(args) != 5 {
			return fmt.Errorf("usage: bus <oid> <bus> <mode> <rate>")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		bus, err := parseU32(args[2])
		if err != nil {
			return err
		}
		mode, err := parseU8(args[3])
		if err != nil {
			return err
		}
		rate, err := parseU32(args[4])
		if err != nil {
			return err
		}
		return conn.SetBus(oid, bus, mode, rate)

	case "softbus":
		if len(args) != 7 {
			return fmt.Errorf("usage: softbus <oid> <miso> <mosi> <sclk> <mode> <rate>")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		var pins [3]uint32
		for i := 0; i < 3; i++ {
			pins[i], err = parseU32(args[2+i])
			if err != nil {
				return err
			}
		}
		mode, err := parseU8(args[5])
		if err != nil {
			return err
		}
		rate, err := parseU32(args[6])
		if err != nil {
			return err
		}
		return conn.SetSoftwareBus(oid, pins[0], pins[1], pins[2], mode, rate)

	case "shutdown":
		if len(args) != 4 {
			return fmt.Errorf("usage: shutdown <oid> <spi_oid> <hex>")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		spiOid, err := parseU8(args[2])
		if err != nil {
			return err
		}
		msg, err := parseHex(args[3])
		if err != nil {
			return err
		}
		return conn.ConfigShutdown(oid, spiOid, msg)

	case "xfer":
		if len(args) != 3 {
			return fmt.Errorf("usage: xfer <oid> <hex>")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		data, err := parseHex(args[2])
		if err != nil {
			return err
		}
		rx, err := conn.Transfer(oid, data, 2*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("<- %s\n", hex.EncodeToString(rx))
		return nil

	case "send":
		if len(args) != 3 {
			return fmt.Errorf("usage: send <oid> <hex>")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		data, err := parseHex(args[2])
		if err != nil {
			return err
		}
		return conn.Send(oid, data)

	case "async":
		if len(args) != 3 && len(args) != 4 {
			return fmt.Errorf("usage: async <oid> <hex> [rx_count]")
		}
		oid, err := parseU8(args[1])
		if err != nil {
			return err
		}
		data, err := parseHex(args[2])
		if err != nil {
			return err
		}
		rxCount := len(data)
		if len(args) == 4 {
			n, err := parseU32(args[3])
			if err != nil {
				return err
			}
			rxCount = int(n)
		}

		ch, err := conn.TransferAsync(oid, data, rxCount, core.EventAll, core.DMAOpportunistic)
		if err != nil {
			return err
		}
		select {
		case res, ok := <-ch:
			if !ok {
				fmt.Println("<- aborted")
				return nil
			}
			fmt.Printf("<- events=%v data=%s\n", res.Events, hex.EncodeToString(res.Data))
		case <-time.After(5 * time.Second):
			return fmt.Errorf("no result after 5s (still running? try 'status %d')", oid)
		}
		return nil

	case "abort":
		oid, err := argOid(args[1:])
		if err != nil {
			return err
		}
		return conn.Abort(oid)

	case "status":
		oid, err := argOid(args[1:])
		if err != nil {
			return err
		}
		active, err := conn.Status(oid, 2*time.Second)
		if err != nil {
			return err
		}
		if active {
			fmt.Println("active")
		} else {
			fmt.Println("idle")
		}
		return nil

	case "estop":
		return conn.EmergencyStop()

	case "reset":
		return conn.Reset()

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for a list)", args[0])
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help                                      - This message")
	fmt.Println("  dict                                      - Dictionary summary")
	fmt.Println("  raw                                       - Raw dictionary JSON")
	fmt.Println("  buses                                     - List hardware buses")
	fmt.Println("  config <oid> <pin> <active_high>          - Register device + CS pin")
	fmt.Println("  nocs <oid>                                - Register device without CS")
	fmt.Println("  bus <oid> <bus> <mode> <rate>             - Bind device to a bus")
	fmt.Println("  softbus <oid> <miso> <mosi> <sclk> <mode> <rate>")
	fmt.Println("  shutdown <oid> <spi_oid> <hex>            - Register shutdown message")
	fmt.Println("  xfer <oid> <hex>                          - Synchronous transfer")
	fmt.Println("  send <oid> <hex>                          - Write without response")
	fmt.Println("  async <oid> <hex> [rx_count]              - Asynchronous transfer")
	fmt.Println("  abort <oid>                               - Cancel a running transfer")
	fmt.Println("  status <oid>                              - Query transfer state")
	fmt.Println("  estop                                     - Emergency stop")
	fmt.Println("  reset                                     - Restart the firmware")
	fmt.Println("  quit/exit/q                               - Exit")
	fmt.Println()
}

func argOid(args []string) (uint8, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one argument: the oid")
	}
	return parseU8(args[0])
}

func argOidPinFlag(args []string) (uint8, uint32, bool, error) {
	if len(args) != 3 {
		return 0, 0, false, fmt.Errorf("usage: config <oid> <pin> <active_high>")
	}
	oid, err := parseU8(args[0])
	if err != nil {
		return 0, 0, false, err
	}
	pin, err := parseU32(args[1])
	if err != nil {
		return 0, 0, false, err
	}
	active, err := parseU32(args[2])
	if err != nil {
		return 0, 0, false, err
	}
	return oid, pin, active != 0, nil
}

func parseU8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("bad value %q: %w", s, err)
	}
	return uint8(v), nil
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad value %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseHex accepts plain hex with optional spaces or colon separators.
func parseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == ':' {
			return -1
		}
		return r
	}, s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("bad hex %q: %w", s, err)
	}
	return data, nil
}
