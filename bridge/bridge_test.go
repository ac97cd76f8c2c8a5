package bridge

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"testing"

	"spindle/core"
	"spindle/protocol"
	"spindle/sim"
)

// syncPort clocks each word inside WriteWord, so the synchronous
// surface completes without a clock source. It never delivers
// interrupts; asynchronous transfers go through the simulator port.
type syncPort struct {
	peer  func(uint32) uint32
	rxq   []uint32
	wire  []uint32
	mask  core.IRQ
	depth int
}

func newSyncPort(peer func(uint32) uint32) *syncPort {
	if peer == nil {
		peer = func(w uint32) uint32 { return w }
	}
	return &syncPort{peer: peer, depth: 8}
}

func (p *syncPort) WriteWord(w uint32) {
	p.wire = append(p.wire, w)
	p.rxq = append(p.rxq, p.peer(w))
}

func (p *syncPort) ReadWord() uint32 {
	w := p.rxq[0]
	p.rxq = p.rxq[1:]
	return w
}

func (p *syncPort) CanWrite() bool        { return true }
func (p *syncPort) CanRead() bool         { return len(p.rxq) > 0 }
func (p *syncPort) Busy() bool            { return false }
func (p *syncPort) FIFODepth() int        { return p.depth }
func (p *syncPort) EnableIRQ(m core.IRQ)  { p.mask |= m }
func (p *syncPort) DisableIRQ(m core.IRQ) { p.mask &^= m }
func (p *syncPort) Flush()                { p.rxq = p.rxq[:0] }
func (p *syncPort) Fault() bool           { return false }

// recordingPin captures every level driven onto a select line.
type recordingPin struct {
	history []bool
}

func (p *recordingPin) Set(high bool) { p.history = append(p.history, high) }

func (p *recordingPin) level(t *testing.T) bool {
	t.Helper()
	if len(p.history) == 0 {
		t.Fatal("Select line never driven")
	}
	return p.history[len(p.history)-1]
}

// asserted reports whether an active-low line was ever pulled low.
func (p *recordingPin) asserted() bool {
	for _, h := range p.history {
		if !h {
			return true
		}
	}
	return false
}

type simPins struct {
	pins map[uint32]*recordingPin
}

func (s *simPins) ConfigureOutput(pin uint32) (core.PinOutput, error) {
	p, ok := s.pins[pin]
	if !ok {
		p = &recordingPin{}
		s.pins[pin] = p
	}
	return p, nil
}

// simProvider adapts a port to the provider interfaces target code
// normally implements.
type simProvider struct {
	port core.Port
	bind func(service func() core.Events)
}

func (p *simProvider) ConfigurePort(config core.SPIConfig) (core.Port, error) {
	return p.port, nil
}

func (p *simProvider) BusInfo() map[core.SPIBusID]string {
	return map[core.SPIBusID]string{0: "spi0"}
}

func (p *simProvider) BindService(bus core.SPIBusID, service func() core.Events) {
	if p.bind != nil {
		p.bind(service)
	}
}

// fakeSoftBus answers every byte with its complement and records the
// configuration it was created with.
type fakeSoftBus struct {
	sclk, mosi, miso uint32
	mode             core.SPIMode
	rate             uint32
	sent             []byte
}

func (b *fakeSoftBus) Tx(w, r []byte) error {
	b.sent = append(b.sent, w...)
	for i := range r {
		if i < len(w) {
			r[i] = w[i] ^ 0xFF
		} else {
			r[i] = 0xFF
		}
	}
	return nil
}

func (b *fakeSoftBus) Transfer(bb byte) (byte, error) {
	b.sent = append(b.sent, bb)
	return bb ^ 0xFF, nil
}

type fakeSoftProvider struct {
	last *fakeSoftBus
}

func (p *fakeSoftProvider) ConfigureSoftBus(sclk, mosi, miso uint32, mode core.SPIMode, rate uint32) (core.Bus, error) {
	b := &fakeSoftBus{sclk: sclk, mosi: mosi, miso: miso, mode: mode, rate: rate}
	p.last = b
	return b, nil
}

// resetBridgeState gives each test a clean registry, dictionary and
// device table. The package state is global, so every env starts here.
func resetBridgeState() {
	globalRegistry = NewCommandRegistry()
	globalDictionary = NewDictionary(globalRegistry)
	spiDevices = make(map[uint8]*SPIDevice)
	busEngines = make(map[core.SPIBusID]*core.SPI)
	portProvider = nil
	softProvider = nil
	pinProvider = nil
	dmaPool = nil
	globalTransport = nil
	globalResetHandler = nil
	atomic.StoreUint32(&globalState.isShutdown, 0)
	atomic.StoreUint32(&resetPending, 0)
	atomic.StoreUint32(&asyncDropped, 0)
	for {
		select {
		case <-asyncResults:
		default:
			return
		}
	}
}

// bridgeEnv is one firmware instance under test: registered commands,
// a transport writing into a scratch buffer, and simulated hardware.
type bridgeEnv struct {
	clk  *sim.Clock
	port *sim.Port
	pool *sim.Pool
	sync *syncPort
	pins *simPins
	soft *fakeSoftProvider
	out  *protocol.ScratchOutput
	tr   *protocol.Transport
	seq  uint8
}

func (e *bridgeEnv) install(prov *simProvider) {
	e.pins = &simPins{pins: make(map[uint32]*recordingPin)}
	e.soft = &fakeSoftProvider{}

	InitCoreCommands()
	InitSPICommands()
	SetPortProvider(prov)
	SetSoftBusProvider(e.soft)
	SetPinProvider(e.pins)
	GetGlobalDictionary().BuildDictionary()

	e.out = protocol.NewScratchOutput()
	e.tr = protocol.NewTransport(e.out, DispatchCommand)
	SetGlobalTransport(e.tr)
}

// newAsyncEnv builds an env over the paced simulator port, for
// interrupt-driven transfers.
func newAsyncEnv(t *testing.T, peer sim.Peer) *bridgeEnv {
	t.Helper()
	resetBridgeState()

	clk := sim.NewClock()
	port := sim.NewPort(clk, 8, 1, peer)
	pool := sim.NewPool(clk, port, 2)
	prov := &simProvider{port: port}
	prov.bind = func(service func() core.Events) {
		port.OnInterrupt(func() { service() })
		pool.OnComplete(func() { service() })
	}

	e := &bridgeEnv{clk: clk, port: port, pool: pool}
	e.install(prov)
	SetDMAPool(pool)
	return e
}

// newSyncEnv builds an env over a port that clocks inline, for the
// spinning synchronous surface.
func newSyncEnv(t *testing.T, peer func(uint32) uint32) *bridgeEnv {
	t.Helper()
	resetBridgeState()

	sp := newSyncPort(peer)
	e := &bridgeEnv{sync: sp}
	e.install(&simProvider{port: sp})
	return e
}

func buildFrame(seq uint8, payload []byte) []byte {
	length := len(payload) + protocol.MessageHeaderSize + protocol.MessageTrailerSize
	frame := make([]byte, 0, length)
	frame = append(frame, byte(length), protocol.MessageDest|seq)
	frame = append(frame, payload...)
	crc := protocol.CRC16(frame)
	frame = append(frame, byte(crc>>8), byte(crc), protocol.MessageValueSync)
	return frame
}

// deliver frames up one command and runs it through the transport, the
// way bytes arriving from the host would.
func (e *bridgeEnv) deliver(t *testing.T, name string, encode func(out protocol.OutputBuffer)) {
	t.Helper()
	cmd, ok := globalRegistry.GetCommandByName(name)
	if !ok {
		t.Fatalf("Command not registered: %s", name)
	}

	scratch := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(scratch, uint32(cmd.ID))
	if encode != nil {
		encode(scratch)
	}
	payload := scratch.Result()
	if len(payload)+protocol.MessageHeaderSize+protocol.MessageTrailerSize > protocol.MessageLengthMax {
		t.Fatalf("Test frame for %s over the length limit: %d bytes", name, len(payload))
	}

	frame := buildFrame(e.seq, payload)
	e.seq = (e.seq + 1) & protocol.MessageSeqMask
	e.tr.Receive(protocol.NewSliceInputBuffer(frame))
}

// responses parses the frames accumulated in the output scratch and
// returns the non-ack payloads, oldest first. The scratch is cleared.
func (e *bridgeEnv) responses() [][]byte {
	data := append([]byte(nil), e.out.Result()...)
	e.out.Reset()

	var payloads [][]byte
	for len(data) >= protocol.MessageLengthMin {
		length := int(data[protocol.MessagePositionLen])
		if length < protocol.MessageLengthMin || length > len(data) {
			break
		}
		payload := data[protocol.MessageHeaderSize : length-protocol.MessageTrailerSize]
		if len(payload) > 0 {
			payloads = append(payloads, append([]byte(nil), payload...))
		}
		data = data[length:]
	}
	return payloads
}

func decodeUint(t *testing.T, data *[]byte) uint32 {
	t.Helper()
	v, err := protocol.DecodeVLQUint(data)
	if err != nil {
		t.Fatalf("VLQ decode failed: %v", err)
	}
	return v
}

func decodeBytes(t *testing.T, data *[]byte) []byte {
	t.Helper()
	b, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		t.Fatalf("VLQ bytes decode failed: %v", err)
	}
	return b
}

func responseID(t *testing.T, name string) uint32 {
	t.Helper()
	cmd, ok := globalRegistry.GetCommandByName(name)
	if !ok {
		t.Fatalf("Response not registered: %s", name)
	}
	return uint32(cmd.ID)
}

// enc encodes fixed integer arguments in command order.
func enc(vals ...uint32) func(protocol.OutputBuffer) {
	return func(out protocol.OutputBuffer) {
		for _, v := range vals {
			protocol.EncodeVLQUint(out, v)
		}
	}
}

// encData encodes fixed integer arguments followed by a byte payload.
func encData(data []byte, vals ...uint32) func(protocol.OutputBuffer) {
	return func(out protocol.OutputBuffer) {
		for _, v := range vals {
			protocol.EncodeVLQUint(out, v)
		}
		protocol.EncodeVLQBytes(out, data)
	}
}

func (e *bridgeEnv) pin(t *testing.T, n uint32) *recordingPin {
	t.Helper()
	p, ok := e.pins.pins[n]
	if !ok {
		t.Fatalf("Pin %d never configured", n)
	}
	return p
}

// status runs a spi_status round trip and returns the active flag.
func (e *bridgeEnv) status(t *testing.T, oid uint32) uint32 {
	t.Helper()
	e.deliver(t, "spi_status", enc(oid))
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one status response, got %d payloads", len(rs))
	}
	rest := rs[0]
	if id := decodeUint(t, &rest); id != responseID(t, "spi_status_response") {
		t.Fatalf("Expected spi_status_response, got command %d", id)
	}
	if got := decodeUint(t, &rest); got != oid {
		t.Fatalf("Status for wrong oid: %d", got)
	}
	return decodeUint(t, &rest)
}

func decodeAsyncResult(t *testing.T, payload []byte) (uint32, core.Events, []byte) {
	t.Helper()
	rest := payload
	if id := decodeUint(t, &rest); id != responseID(t, "spi_async_result") {
		t.Fatalf("Expected spi_async_result, got command %d", id)
	}
	oid := decodeUint(t, &rest)
	ev := core.Events(decodeUint(t, &rest))
	data := decodeBytes(t, &rest)
	return oid, ev, append([]byte(nil), data...)
}

func TestBootstrapAndIdentify(t *testing.T) {
	e := newSyncEnv(t, nil)

	if cmd, ok := globalRegistry.GetCommandByName("identify_response"); !ok || cmd.ID != 0 {
		t.Fatal("identify_response must be ID 0")
	}
	if cmd, ok := globalRegistry.GetCommandByName("identify"); !ok || cmd.ID != 1 {
		t.Fatal("identify must be ID 1")
	}

	full := GetGlobalDictionary().Generate()
	var got []byte
	for offset := uint32(0); ; {
		e.deliver(t, "identify", enc(offset, 40))
		rs := e.responses()
		if len(rs) != 1 {
			t.Fatalf("Expected one identify_response, got %d payloads", len(rs))
		}
		rest := rs[0]
		if id := decodeUint(t, &rest); id != 0 {
			t.Fatalf("Expected identify_response ID 0, got %d", id)
		}
		if off := decodeUint(t, &rest); off != offset {
			t.Fatalf("Echoed offset %d, expected %d", off, offset)
		}
		chunk := decodeBytes(t, &rest)
		if len(chunk) == 0 {
			break
		}
		got = append(got, chunk...)
		offset += uint32(len(chunk))
		if len(got) > 16*1024 {
			t.Fatal("Identify never terminated")
		}
	}

	if !bytes.Equal(got, full) {
		t.Fatal("Reassembled dictionary differs from the generated one")
	}

	var parsed struct {
		Commands     map[string]int            `json:"commands"`
		Enumerations map[string]map[string]int `json:"enumerations"`
	}
	if err := json.Unmarshal(got, &parsed); err != nil {
		t.Fatalf("Dictionary is not valid JSON: %v", err)
	}
	if parsed.Commands["identify offset=%u count=%c"] != 1 {
		t.Errorf("identify entry wrong: %v", parsed.Commands)
	}
	if _, ok := parsed.Commands["spi_transfer_async oid=%c events=%u hint=%c rx_count=%u data=%*s"]; !ok {
		t.Error("spi_transfer_async missing from the dictionary")
	}
	if parsed.Enumerations["spi_bus"]["spi0"] != 0 {
		t.Errorf("spi_bus enumeration wrong: %v", parsed.Enumerations)
	}
}

func TestConfigSPIParksSelectLine(t *testing.T) {
	e := newSyncEnv(t, nil)

	e.deliver(t, "config_spi", enc(1, 5, 0)) // active low
	e.deliver(t, "config_spi", enc(2, 6, 1)) // active high

	if !e.pin(t, 5).level(t) {
		t.Error("Active-low select line not parked high")
	}
	if e.pin(t, 6).level(t) {
		t.Error("Active-high select line not parked low")
	}
}

func TestSyncTransferRoundTrip(t *testing.T) {
	e := newSyncEnv(t, func(w uint32) uint32 { return w + 1 })

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer", encData([]byte{1, 2, 3}, 1))
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one transfer response, got %d payloads", len(rs))
	}
	rest := rs[0]
	if id := decodeUint(t, &rest); id != responseID(t, "spi_transfer_response") {
		t.Fatalf("Wrong response command: %d", id)
	}
	if oid := decodeUint(t, &rest); oid != 1 {
		t.Fatalf("Response for wrong oid: %d", oid)
	}
	echo := decodeBytes(t, &rest)
	if !bytes.Equal(echo, []byte{2, 3, 4}) {
		t.Errorf("Expected peer replies 2 3 4, got %v", echo)
	}

	pin := e.pin(t, 5)
	if !pin.asserted() {
		t.Error("Select line never asserted during the transfer")
	}
	if !pin.level(t) {
		t.Error("Select line not released after the transfer")
	}

	// Unknown oid is ignored without a response.
	e.deliver(t, "spi_transfer", encData([]byte{9}, 7))
	if rs := e.responses(); len(rs) != 0 {
		t.Errorf("Unknown oid produced %d responses", len(rs))
	}
}

func TestSPISendWriteOnly(t *testing.T) {
	e := newSyncEnv(t, nil)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_send", encData([]byte{9, 8, 7}, 1))
	if rs := e.responses(); len(rs) != 0 {
		t.Errorf("spi_send produced %d responses", len(rs))
	}

	want := []uint32{9, 8, 7}
	if len(e.sync.wire) != len(want) {
		t.Fatalf("Wire carried %d words, expected %d", len(e.sync.wire), len(want))
	}
	for i, w := range want {
		if e.sync.wire[i] != w {
			t.Errorf("Wire word %d: expected %d, got %d", i, w, e.sync.wire[i])
		}
	}
}

func TestSoftwareBusTransfer(t *testing.T) {
	e := newSyncEnv(t, nil)

	e.deliver(t, "config_spi", enc(3, 7, 0))
	e.deliver(t, "spi_set_bus", enc(3, 0x85, 3, 50000))

	// No pins yet, so transfers are dropped.
	e.deliver(t, "spi_transfer", encData([]byte{0xAA}, 3))
	if rs := e.responses(); len(rs) != 0 {
		t.Fatalf("Transfer before the software pins arrived produced %d responses", len(rs))
	}

	e.deliver(t, "spi_set_software_bus", enc(3, 10, 11, 12, 3, 50000))
	if e.soft.last == nil {
		t.Fatal("Software bus never configured")
	}
	if e.soft.last.sclk != 12 || e.soft.last.mosi != 11 || e.soft.last.miso != 10 {
		t.Errorf("Pins wired wrong: sclk=%d mosi=%d miso=%d",
			e.soft.last.sclk, e.soft.last.mosi, e.soft.last.miso)
	}
	if dev := spiDevices[3]; dev.Flags&SF_SOFTWARE == 0 {
		t.Error("SF_SOFTWARE not set")
	}

	e.deliver(t, "spi_transfer", encData([]byte{0xAA}, 3))
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one transfer response, got %d", len(rs))
	}
	rest := rs[0]
	decodeUint(t, &rest) // command ID
	decodeUint(t, &rest) // oid
	echo := decodeBytes(t, &rest)
	if !bytes.Equal(echo, []byte{0x55}) {
		t.Errorf("Expected complement reply 0x55, got %v", echo)
	}

	if !e.pin(t, 7).asserted() {
		t.Error("Select line never asserted on the software bus")
	}
}

func TestAsyncTransferDeliversResult(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	data := []byte{1, 2, 3, 4}
	e.deliver(t, "spi_transfer_async", encData(data, 1, uint32(core.EventAll), 0, 4))

	// Only the ack goes out now; the result waits for the wire.
	if rs := e.responses(); len(rs) != 0 {
		t.Fatalf("Result arrived before the transfer finished: %d payloads", len(rs))
	}
	if e.status(t, 1) != 1 {
		t.Error("Device not reported active mid-transfer")
	}

	e.clk.Advance(100)
	FlushAsyncResults()

	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one async result, got %d payloads", len(rs))
	}
	oid, ev, rx := decodeAsyncResult(t, rs[0])
	if oid != 1 {
		t.Errorf("Result for wrong oid: %d", oid)
	}
	if ev != core.EventComplete {
		t.Errorf("Expected COMPLETE, got %v", ev)
	}
	if !bytes.Equal(rx, data) {
		t.Errorf("Echo transfer received %v, sent %v", rx, data)
	}

	if e.status(t, 1) != 0 {
		t.Error("Device still reported active after the result")
	}
	if !e.pin(t, 5).level(t) {
		t.Error("Select line not released after the async transfer")
	}
}

func TestAsyncShortRxOverflows(t *testing.T) {
	e := newAsyncEnv(t, sim.SeqPeer(0x80))

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer_async", encData([]byte{1, 2, 3, 4}, 1, uint32(core.EventAll), 0, 2))
	e.clk.Advance(100)
	FlushAsyncResults()

	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one async result, got %d", len(rs))
	}
	_, ev, rx := decodeAsyncResult(t, rs[0])
	if !ev.Has(core.EventComplete) || !ev.Has(core.EventRxOverflow) {
		t.Errorf("Expected COMPLETE with RX overflow, got %v", ev)
	}
	if !bytes.Equal(rx, []byte{0x80, 0x81}) {
		t.Errorf("Short receive buffer holds %v", rx)
	}
}

func TestAsyncLongRxClocksFill(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer_async", encData([]byte{0x11}, 1, uint32(core.EventAll), 0, 3))
	e.clk.Advance(100)
	FlushAsyncResults()

	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one async result, got %d", len(rs))
	}
	_, ev, rx := decodeAsyncResult(t, rs[0])
	if ev != core.EventComplete {
		t.Errorf("Expected COMPLETE, got %v", ev)
	}
	if !bytes.Equal(rx, []byte{0x11, 0xFF, 0xFF}) {
		t.Errorf("Expected data then fill echos, got %v", rx)
	}

	wire := e.port.Wire()
	if len(wire) != 3 || wire[1] != uint32(core.FillByte) || wire[2] != uint32(core.FillByte) {
		t.Errorf("Wire not padded with fill: %v", wire)
	}
}

func TestAsyncCollisionReportsError(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	first := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e.deliver(t, "spi_transfer_async", encData(first, 1, uint32(core.EventAll), 0, 8))
	e.responses()

	// Second transfer on the same oid while the first is in flight.
	e.deliver(t, "spi_transfer_async", encData([]byte{9}, 1, uint32(core.EventAll), 0, 1))
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected an immediate collision result, got %d payloads", len(rs))
	}
	oid, ev, rx := decodeAsyncResult(t, rs[0])
	if oid != 1 || ev != core.EventError || len(rx) != 0 {
		t.Errorf("Collision result wrong: oid=%d events=%v rx=%v", oid, ev, rx)
	}

	// The original transfer is unharmed.
	e.clk.Advance(200)
	FlushAsyncResults()
	rs = e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected the first transfer's result, got %d payloads", len(rs))
	}
	_, ev, rx = decodeAsyncResult(t, rs[0])
	if ev != core.EventComplete || !bytes.Equal(rx, first) {
		t.Errorf("First transfer corrupted by collision: events=%v rx=%v", ev, rx)
	}
	if e.status(t, 1) != 0 {
		t.Error("Device stuck active after collision handling")
	}
}

func TestSharedBusSecondDeviceBusy(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "config_spi", enc(2, 6, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.deliver(t, "spi_set_bus", enc(2, 0, 0, 500000))
	e.responses()

	if len(busEngines) != 1 {
		t.Fatalf("Expected one engine for one bus, got %d", len(busEngines))
	}
	if spiDevices[1].engine != spiDevices[2].engine {
		t.Fatal("Devices on one bus must share the engine")
	}

	e.deliver(t, "spi_transfer_async", encData([]byte{1, 2, 3, 4}, 1, uint32(core.EventAll), 0, 4))
	e.responses()

	// The bus is taken, so the second device's transfer fails fast.
	e.deliver(t, "spi_transfer_async", encData([]byte{5}, 2, uint32(core.EventAll), 0, 1))
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected a busy result for oid 2, got %d payloads", len(rs))
	}
	oid, ev, _ := decodeAsyncResult(t, rs[0])
	if oid != 2 || ev != core.EventError {
		t.Errorf("Busy result wrong: oid=%d events=%v", oid, ev)
	}
	if !e.pin(t, 6).level(t) {
		t.Error("Failed transfer left oid 2's select line asserted")
	}
	if e.status(t, 2) != 1 {
		t.Error("Shared busy bus not reflected in oid 2's status")
	}

	e.clk.Advance(200)
	FlushAsyncResults()
	rs = e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected oid 1's result, got %d payloads", len(rs))
	}
	if oid, ev, _ := decodeAsyncResult(t, rs[0]); oid != 1 || ev != core.EventComplete {
		t.Errorf("First device's result wrong: oid=%d events=%v", oid, ev)
	}

	// Now the bus is free for the second device.
	e.deliver(t, "spi_transfer_async", encData([]byte{5}, 2, uint32(core.EventAll), 0, 1))
	e.clk.Advance(100)
	FlushAsyncResults()
	rs = e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected oid 2's result after the bus freed, got %d", len(rs))
	}
	if oid, ev, _ := decodeAsyncResult(t, rs[0]); oid != 2 || ev != core.EventComplete {
		t.Errorf("Second device's result wrong: oid=%d events=%v", oid, ev)
	}
}

func TestAsyncAbort(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer_async", encData([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1, uint32(core.EventAll), 0, 8))
	e.clk.Advance(3) // partway through
	e.deliver(t, "spi_abort", enc(1))
	e.clk.Advance(500)
	FlushAsyncResults()

	if rs := e.responses(); len(rs) != 0 {
		t.Fatalf("Abort produced %d responses, expected none", len(rs))
	}
	if !e.pin(t, 5).level(t) {
		t.Error("Select line still asserted after abort")
	}
	if e.status(t, 1) != 0 {
		t.Error("Device reported active after abort")
	}

	// The engine takes new work after an abort.
	e.deliver(t, "spi_transfer_async", encData([]byte{0xAB}, 1, uint32(core.EventAll), 0, 1))
	e.clk.Advance(100)
	FlushAsyncResults()
	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected a result after abort recovery, got %d", len(rs))
	}
	if _, ev, rx := decodeAsyncResult(t, rs[0]); ev != core.EventComplete || !bytes.Equal(rx, []byte{0xAB}) {
		t.Errorf("Recovery transfer wrong: events=%v rx=%v", ev, rx)
	}
}

func TestAsyncEmptyTransferCompletesInline(t *testing.T) {
	e := newAsyncEnv(t, sim.EchoPeer)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer_async", encData(nil, 1, uint32(core.EventAll), 0, 0))
	FlushAsyncResults()

	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected an inline completion result, got %d", len(rs))
	}
	if _, ev, rx := decodeAsyncResult(t, rs[0]); ev != core.EventComplete || len(rx) != 0 {
		t.Errorf("Empty transfer result wrong: events=%v rx=%v", ev, rx)
	}
	if e.status(t, 1) != 0 {
		t.Error("Empty transfer left the device pending")
	}
}

func TestAsyncDMATransfer(t *testing.T) {
	e := newAsyncEnv(t, sim.SeqPeer(1))

	e.deliver(t, "config_spi", enc(1, 5, 0))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()

	e.deliver(t, "spi_transfer_async",
		encData([]byte{1, 2, 3, 4}, 1, uint32(core.EventAll), uint32(core.DMAOpportunistic), 4))
	if e.pool.Claimed() != 1 {
		t.Fatalf("Expected one claimed DMA channel, got %d", e.pool.Claimed())
	}

	e.clk.Advance(1000)
	FlushAsyncResults()

	rs := e.responses()
	if len(rs) != 1 {
		t.Fatalf("Expected one async result, got %d", len(rs))
	}
	_, ev, rx := decodeAsyncResult(t, rs[0])
	if ev != core.EventComplete {
		t.Errorf("DMA transfer reported %v", ev)
	}
	if !bytes.Equal(rx, []byte{1, 2, 3, 4}) {
		t.Errorf("DMA receive holds %v", rx)
	}
	if e.pool.Claimed() != 0 {
		t.Errorf("Opportunistic channel not released: %d claimed", e.pool.Claimed())
	}
}

func TestEmergencyStopReplaysShutdown(t *testing.T) {
	e := newSyncEnv(t, nil)

	e.deliver(t, "config_spi", enc(1, 5, 0))
	// Shutdown message configured before the bus attaches.
	e.deliver(t, "config_spi_shutdown", encData([]byte{0xDE, 0xAD}, 0, 1))
	e.deliver(t, "spi_set_bus", enc(1, 0, 0, 1000000))
	e.responses()
	e.sync.wire = nil

	e.deliver(t, "emergency_stop", nil)

	want := []uint32{0xDE, 0xAD}
	if len(e.sync.wire) != len(want) {
		t.Fatalf("Shutdown message not replayed: wire=%v", e.sync.wire)
	}
	for i, w := range want {
		if e.sync.wire[i] != w {
			t.Errorf("Shutdown word %d: expected 0x%02x, got 0x%02x", i, w, e.sync.wire[i])
		}
	}
	if !IsShutdown() {
		t.Error("Shutdown state not latched")
	}
	if !e.pin(t, 5).level(t) {
		t.Error("Select line not released by emergency stop")
	}

	ResetFirmwareState()
	if IsShutdown() {
		t.Error("Shutdown state survived a firmware state reset")
	}
}

func TestResetDeferredUntilFlushed(t *testing.T) {
	resetBridgeState()

	fired := false
	SetResetHandler(func() { fired = true })

	if err := handleReset(nil); err != nil {
		t.Fatalf("handleReset failed: %v", err)
	}
	if fired {
		t.Fatal("Reset ran before the ack went out")
	}
	CheckPendingReset()
	if !fired {
		t.Fatal("Pending reset never executed")
	}
}

func TestStatusUnknownOid(t *testing.T) {
	e := newSyncEnv(t, nil)
	if e.status(t, 9) != 0 {
		t.Error("Unknown oid reported active")
	}
}
