// Package client speaks the firmware's framed command protocol from
// the host side. A Client connects over serial, fetches the data
// dictionary, and exposes the SPI command set as typed methods.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"spindle/core"
	"spindle/host/serial"
	"spindle/protocol"
)

// Bootstrap command IDs. Everything else is looked up in the
// dictionary, but the dictionary itself is fetched with these.
const (
	identifyResponseID = 0
	identifyID         = 1
)

// Dictionary is the parsed firmware data dictionary.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// AsyncResult is the outcome of one asynchronous transfer. The channel
// returned by TransferAsync delivers exactly one of these and is then
// closed; an abort closes the channel without a result.
type AsyncResult struct {
	Oid    uint8
	Events core.Events
	Data   []byte
}

// Client is a connection to one firmware instance.
type Client struct {
	transport *protocol.HostTransport
	port      serial.Port

	dictionary *Dictionary
	raw        []byte

	mu            sync.Mutex
	commands      map[string]uint16 // bare command name to ID
	responses     map[string]uint16
	asyncResultID uint16
	haveAsyncID   bool
	pending       map[uint8]chan AsyncResult

	connected bool
}

// NewClient creates a client that is not yet connected.
func NewClient() *Client {
	return &Client{
		pending: make(map[uint8]chan AsyncResult),
	}
}

// Connect opens the serial device with default settings.
func (c *Client) Connect(device string) error {
	return c.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens a serial port and attaches to it. A short
// settle delay lets firmware that just enumerated finish booting.
func (c *Client) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	c.Attach(port)
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Attach binds the client to an already open port. Used directly when
// the link is not a local serial device.
func (c *Client) Attach(port serial.Port) {
	c.port = port
	c.transport = protocol.NewHostTransport(port)
	c.transport.SetResponseHandler(c.handleResponse)
	c.connected = true
}

// Close shuts down the transport and the underlying port.
func (c *Client) Close() error {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			return err
		}
	}
	c.connected = false
	return nil
}

// IsConnected reports whether Attach or Connect has succeeded.
func (c *Client) IsConnected() bool {
	return c.connected
}

// Identify fetches the data dictionary in chunks and indexes the
// command tables. It must run before any named command is sent.
func (c *Client) Identify() error {
	if !c.connected {
		return fmt.Errorf("not connected")
	}

	var dictBuffer bytes.Buffer
	offset := uint32(0)
	chunkSize := uint8(40)
	maxIterations := 1000 // guards a firmware that echoes data forever

	for i := 0; i < maxIterations; i++ {
		chunk, err := c.sendIdentify(offset, chunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			break
		}

		dictBuffer.Write(chunk)
		offset += uint32(len(chunk))

		if len(chunk) < int(chunkSize) {
			break
		}
	}

	c.raw = dictBuffer.Bytes()

	dict := &Dictionary{}
	if err := json.Unmarshal(c.raw, dict); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	c.dictionary = dict

	c.indexDictionary()
	return nil
}

// indexDictionary builds the bare-name lookup tables. Dictionary keys
// are full format strings; the bare name is the first token.
func (c *Client) indexDictionary() {
	commands := make(map[string]uint16, len(c.dictionary.Commands))
	for format, id := range c.dictionary.Commands {
		name := format
		if sp := strings.IndexByte(format, ' '); sp >= 0 {
			name = format[:sp]
		}
		commands[name] = uint16(id)
	}

	responses := make(map[string]uint16, len(c.dictionary.Responses))
	for format, id := range c.dictionary.Responses {
		name := format
		if sp := strings.IndexByte(format, ' '); sp >= 0 {
			name = format[:sp]
		}
		responses[name] = uint16(id)
	}

	c.mu.Lock()
	c.commands = commands
	c.responses = responses
	c.asyncResultID, c.haveAsyncID = responses["spi_async_result"]
	c.mu.Unlock()
}

// sendIdentify requests one dictionary chunk.
func (c *Client) sendIdentify(offset uint32, count uint8) ([]byte, error) {
	err := c.transport.SendCommand(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	payload, err := c.waitResponse(identifyResponseID, 1*time.Second)
	if err != nil {
		return nil, err
	}

	respOffset, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}

	data, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return data, nil
}

// SendCommand sends a command by its dictionary name. Most callers use
// the typed wrappers instead.
func (c *Client) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if !c.connected {
		return fmt.Errorf("not connected")
	}

	c.mu.Lock()
	id, ok := c.commands[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("firmware does not support %s", name)
	}

	return c.transport.SendCommand(id, args)
}

// responseID looks up a response by bare name.
func (c *Client) responseID(name string) (uint16, error) {
	c.mu.Lock()
	id, ok := c.responses[name]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("firmware does not report %s", name)
	}
	return id, nil
}

// waitResponse blocks until a response with the wanted command ID
// arrives and returns its payload with the ID already consumed. Other
// responses drained along the way were handled by the async callback
// and are dropped here.
func (c *Client) waitResponse(wantID uint16, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("timeout waiting for response %d", wantID)
		}

		resp, err := c.transport.ReceiveResponse(remain)
		if err != nil {
			return nil, err
		}

		payload := resp.Payload
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			continue
		}
		if uint16(id) == wantID {
			return payload, nil
		}
	}
}

// handleResponse runs on the transport's reader goroutine and routes
// asynchronous transfer results to their waiting channel. Everything
// else is left for waitResponse.
func (c *Client) handleResponse(cmdID uint16, data *[]byte) error {
	c.mu.Lock()
	known := c.haveAsyncID
	asyncID := c.asyncResultID
	c.mu.Unlock()

	if !known || cmdID != asyncID {
		return nil
	}

	payload := *data
	oid, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return err
	}
	events, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return err
	}
	buf, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return err
	}

	res := AsyncResult{
		Oid:    uint8(oid),
		Events: core.Events(events),
		Data:   append([]byte(nil), buf...),
	}

	c.mu.Lock()
	ch, ok := c.pending[res.Oid]
	if ok {
		delete(c.pending, res.Oid)
	}
	c.mu.Unlock()

	if ok {
		ch <- res
		close(ch)
	}
	return nil
}

// GetDictionary returns the parsed dictionary, or nil before Identify.
func (c *Client) GetDictionary() *Dictionary {
	return c.dictionary
}

// GetDictionaryRaw returns the raw dictionary bytes.
func (c *Client) GetDictionaryRaw() []byte {
	return c.raw
}

// Buses returns the spi_bus enumeration: bus name to wire index.
func (c *Client) Buses() map[string]int {
	if c.dictionary == nil {
		return nil
	}
	return c.dictionary.Enumerations["spi_bus"]
}

// PrintDictionary prints a summary of the dictionary.
func (c *Client) PrintDictionary() {
	if c.dictionary == nil {
		fmt.Println("No dictionary loaded")
		return
	}

	fmt.Println("\n=== Firmware Dictionary ===")
	fmt.Printf("Version: %s\n", c.dictionary.Version)
	fmt.Printf("Build: %s\n", c.dictionary.BuildVersions)

	if len(c.dictionary.Config) > 0 {
		fmt.Println("\nConfig:")
		for k, v := range c.dictionary.Config {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}

	fmt.Printf("\nCommands (%d):\n", len(c.dictionary.Commands))
	for name, id := range c.dictionary.Commands {
		fmt.Printf("  [%d] %s\n", id, name)
	}

	fmt.Printf("\nResponses (%d):\n", len(c.dictionary.Responses))
	for name, id := range c.dictionary.Responses {
		fmt.Printf("  [%d] %s\n", id, name)
	}

	if len(c.dictionary.Enumerations) > 0 {
		fmt.Printf("\nEnumerations (%d):\n", len(c.dictionary.Enumerations))
		for name, values := range c.dictionary.Enumerations {
			fmt.Printf("  %s: %d values\n", name, len(values))
		}
	}

	fmt.Println("===========================")
}
