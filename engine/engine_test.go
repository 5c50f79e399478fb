package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opendap/dap"
	"opendap/dbgif"
	"opendap/stream"
)

// scriptDriver is a Driver answering from a canned result list, recording
// every request. Bus and pin operations consume the list; configuration
// operations, and an exhausted list, answer AckOK with zero data.
type scriptDriver struct {
	results []dbgif.Result
	reqs    []dbgif.Request
}

func (d *scriptDriver) Submit(req dbgif.Request) <-chan dbgif.Result {
	d.reqs = append(d.reqs, req)
	res := dbgif.Result{Ack: dbgif.AckOK}
	scripted := req.Op == dbgif.OpTransact || req.Op == dbgif.OpPinsWrite
	if scripted && len(d.results) > 0 {
		res = d.results[0]
		d.results = d.results[1:]
	}
	ch := make(chan dbgif.Result, 1)
	ch <- res
	return ch
}

type harness struct {
	t   *testing.T
	in  chan stream.Datum
	out chan stream.Datum
	eng *Engine
}

func newHarness(t *testing.T, v dap.Version, drv dbgif.Driver) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		in:  make(chan stream.Datum, 2*dap.V2MaxPacketSize),
		out: make(chan stream.Datum, 2*dap.V2MaxPacketSize),
	}
	h.eng = New(Config{Version: v}, h.in, h.out, drv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && err != context.Canceled {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

// exchange submits one command packet and returns the response packet.
func (h *harness) exchange(pkt []byte) []byte {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Packetize(ctx, h.in, pkt); err != nil {
		h.t.Fatalf("Packetize: %v", err)
	}
	resp, err := stream.Collect(ctx, h.out)
	if err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	return resp
}

// padded extends want with zeros to the fixed 64 byte packet.
func padded(want []byte) []byte {
	out := make([]byte, dap.V1MaxPacketSize)
	copy(out, want)
	return out
}

func TestUnknownCommandInvalid(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	for _, cmd := range []byte{0x42, 0x7D, 0xFF} {
		got := h.exchange([]byte{cmd})
		if diff := cmp.Diff([]byte{0xFF}, got); diff != "" {
			t.Errorf("command 0x%02x response mismatch (-want +got):\n%s", cmd, diff)
		}
	}
}

func TestRecognizedButInvalid(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	pkts := [][]byte{
		{byte(dap.CmdTransferAbort)},
		{byte(dap.CmdSWDSequence), 0x01, 0x00},
		{byte(dap.CmdQueueCommands), 0x00},
		{byte(dap.CmdExecuteCommands), 0x00},
	}
	for _, pkt := range pkts {
		got := h.exchange(pkt)
		if diff := cmp.Diff([]byte{0xFF}, got); diff != "" {
			t.Errorf("command 0x%02x response mismatch (-want +got):\n%s", pkt[0], diff)
		}
	}
}

func TestV1ResponseFixedSize(t *testing.T) {
	h := newHarness(t, dap.V1, &scriptDriver{})
	got := h.exchange([]byte{byte(dap.CmdInfo), byte(dap.InfoCapabilities)})
	want := padded([]byte{0x00, 1, dap.Capabilities})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestForeshortenedHeader(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	// DAP_Transfer declares a three byte header.
	got := h.exchange([]byte{byte(dap.CmdTransfer), 0x00})
	if diff := cmp.Diff([]byte{0xFF}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	// The engine must be back in idle: a good command still works.
	got = h.exchange([]byte{byte(dap.CmdInfo), byte(dap.InfoMaxPacketCount)})
	if diff := cmp.Diff([]byte{0x00, 1, dap.MaxPacketCount}, got); diff != "" {
		t.Errorf("followup mismatch (-want +got):\n%s", diff)
	}
}

func TestStrayBytesDiscardedWhileIdle(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	// Mid-packet data with no start marker must be ignored.
	for _, b := range []byte{0xAA, 0xBB} {
		h.in <- stream.Datum{Payload: b}
	}
	got := h.exchange([]byte{byte(dap.CmdInfo), byte(dap.InfoCapabilities)})
	if diff := cmp.Diff([]byte{0x00, 1, dap.Capabilities}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name string
		id   dap.InfoID
		want []byte
	}{
		{"vendor empty", dap.InfoVendorID, []byte{0x00, 0}},
		{"serial empty", dap.InfoSerialNumber, []byte{0x00, 0}},
		{"protocol version", dap.InfoProtocolVersion,
			append([]byte{0x00, 6}, append([]byte("2.1.0"), 0)...)},
		{"firmware version", dap.InfoFirmwareVersion,
			append([]byte{0x00, 5}, append([]byte("1.00"), 0)...)},
		{"capabilities", dap.InfoCapabilities, []byte{0x00, 1, 0x03}},
		{"timer", dap.InfoTestDomainTimer, []byte{0x00, 8, 0x00, 0xCA, 0x9A, 0x3B}},
		{"swo buffer", dap.InfoSWOTraceBufferSize, []byte{0x00, 4, 0, 0, 0, 0}},
		{"packet count", dap.InfoMaxPacketCount, []byte{0x00, 1, 1}},
	}
	h := newHarness(t, dap.V2, &scriptDriver{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.exchange([]byte{byte(dap.CmdInfo), byte(tt.id)})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInfoMaxPacketSize(t *testing.T) {
	t.Run("v1", func(t *testing.T) {
		h := newHarness(t, dap.V1, &scriptDriver{})
		got := h.exchange([]byte{byte(dap.CmdInfo), byte(dap.InfoMaxPacketSize)})
		want := padded([]byte{0x00, 2, 64, 0})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("response mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("v2", func(t *testing.T) {
		h := newHarness(t, dap.V2, &scriptDriver{})
		got := h.exchange([]byte{byte(dap.CmdInfo), byte(dap.InfoMaxPacketSize)})
		if diff := cmp.Diff([]byte{0x00, 2, 0xFF, 0x01}, got); diff != "" {
			t.Errorf("response mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestInfoUnknownID(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	got := h.exchange([]byte{byte(dap.CmdInfo), 0x7C})
	if diff := cmp.Diff([]byte{0xFF}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestHostStatus(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})

	h.exchange([]byte{byte(dap.CmdHostStatus), dap.HostStatusConnect, 1})
	if !h.eng.Connected() {
		t.Error("connect indicator not set")
	}
	h.exchange([]byte{byte(dap.CmdHostStatus), dap.HostStatusRunning, 1})
	if !h.eng.Running() {
		t.Error("running indicator not set")
	}
	h.exchange([]byte{byte(dap.CmdHostStatus), dap.HostStatusConnect, 0})
	if h.eng.Connected() {
		t.Error("connect indicator not cleared")
	}

	got := h.exchange([]byte{byte(dap.CmdHostStatus), 2, 1})
	if diff := cmp.Diff([]byte{0xFF}, got); diff != "" {
		t.Errorf("bad type response mismatch (-want +got):\n%s", diff)
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name string
		port byte
		want byte
		op   dbgif.Op
	}{
		{"default selects swd", dap.PortDefault, dap.PortSWD, dbgif.OpSetSWD},
		{"swd", dap.PortSWD, dap.PortSWD, dbgif.OpSetSWD},
		{"jtag", dap.PortJTAG, dap.PortJTAG, dbgif.OpSetJTAG},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := &scriptDriver{}
			h := newHarness(t, dap.V2, drv)
			got := h.exchange([]byte{byte(dap.CmdConnect), tt.port})
			if diff := cmp.Diff([]byte{0x02, tt.want}, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
			if len(drv.reqs) != 1 || drv.reqs[0].Op != tt.op {
				t.Errorf("requests = %+v, want single %v", drv.reqs, tt.op)
			}
		})
	}
}

func TestDisconnectClearsIndicators(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	h.exchange([]byte{byte(dap.CmdHostStatus), dap.HostStatusConnect, 1})
	h.exchange([]byte{byte(dap.CmdHostStatus), dap.HostStatusRunning, 1})

	got := h.exchange([]byte{byte(dap.CmdDisconnect)})
	if diff := cmp.Diff([]byte{0x03, 0x00}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if h.eng.Connected() || h.eng.Running() {
		t.Error("indicators survived disconnect")
	}
	if len(drv.reqs) != 0 {
		t.Errorf("disconnect reached the transactor: %+v", drv.reqs)
	}
}

func TestWriteABORT(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	got := h.exchange([]byte{byte(dap.CmdWriteABORT), 0, 0xEF, 0xBE, 0xAD, 0xDE})
	if diff := cmp.Diff([]byte{0x08, 0x00}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	want := dbgif.Request{Op: dbgif.OpTransact, Data: 0xDEADBEEF}
	if diff := cmp.Diff([]dbgif.Request{want}, drv.reqs); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestDelayOperandByteOrder(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	h.exchange([]byte{byte(dap.CmdDelay), 0x12, 0x34})
	if len(drv.reqs) != 1 {
		t.Fatalf("requests = %+v, want one", drv.reqs)
	}
	// The wait operand assembles high byte first.
	if got := drv.reqs[0]; got.Op != dbgif.OpWait || got.Data != 0x1234 {
		t.Errorf("request = %+v, want WAIT 0x1234", got)
	}
}

func TestResetTarget(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	got := h.exchange([]byte{byte(dap.CmdResetTarget)})
	if diff := cmp.Diff([]byte{0x0A, 0x00, 0x01}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestSWJPins(t *testing.T) {
	drv := &scriptDriver{results: []dbgif.Result{{Ack: dbgif.AckOK, Pins: 0x0088}}}
	h := newHarness(t, dap.V2, drv)
	got := h.exchange([]byte{byte(dap.CmdSWJPins), 0x80, 0x80, 0x10, 0x27, 0x00, 0x00})
	if diff := cmp.Diff([]byte{0x10, 0x88}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	want := dbgif.Request{Op: dbgif.OpPinsWrite, Pins: 0x8080, Data: 10000}
	if diff := cmp.Diff([]dbgif.Request{want}, drv.reqs); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestSWJClock(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	got := h.exchange([]byte{byte(dap.CmdSWJClock), 0x80, 0x84, 0x1E, 0x00})
	if diff := cmp.Diff([]byte{0x11, 0x00}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	want := dbgif.Request{Op: dbgif.OpSetClock, Data: 2000000}
	if diff := cmp.Diff([]dbgif.Request{want}, drv.reqs); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestSWDConfigure(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	got := h.exchange([]byte{byte(dap.CmdSWDConfigure), 0x02})
	if diff := cmp.Diff([]byte{0x13, 0x00}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if drv.reqs[0].Op != dbgif.OpSetSWDConfig || drv.reqs[0].Data != 2 {
		t.Errorf("request = %+v", drv.reqs[0])
	}
}

func TestJTAGConfigure(t *testing.T) {
	drv := &scriptDriver{}
	h := newHarness(t, dap.V2, drv)
	got := h.exchange([]byte{byte(dap.CmdJTAGConfigure), 0x01, 0x20})
	if diff := cmp.Diff([]byte{0x15, 0x00}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if len(drv.reqs) != 1 || drv.reqs[0].Op != dbgif.OpSetJTAGConfig {
		t.Fatalf("requests = %+v, want one SET_JTAG_CFG", drv.reqs)
	}
	// First device IR length 4 (0x20>>3 - 1 = 3) lands in field one;
	// absent devices read as length field 0x1F.
	if got := drv.reqs[0].Data & 0x3FF; got != 0x1F|3<<5 {
		t.Errorf("packed config = %#x, want %#x", got, 0x1F|3<<5)
	}
}

func TestJTAGIDCODE(t *testing.T) {
	sim := dbgif.NewSim()
	sim.SetIDCode(0xDEADBEEF)
	h := newHarness(t, dap.V2, sim)
	got := h.exchange([]byte{byte(dap.CmdJTAGIDCODE), 0x00})
	want := []byte{0x16, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestSWONotImplemented(t *testing.T) {
	h := newHarness(t, dap.V2, &scriptDriver{})
	pkts := [][]byte{
		{byte(dap.CmdSWOTransport), 0x00},
		{byte(dap.CmdSWOMode), 0x00},
		{byte(dap.CmdSWOBaudrate), 0x00, 0x00, 0x00, 0x00},
		{byte(dap.CmdSWOControl), 0x00},
		{byte(dap.CmdSWOStatus)},
		{byte(dap.CmdSWOData), 0x00, 0x00},
		{byte(dap.CmdSWOExtendedStatus), 0x00},
	}
	for _, pkt := range pkts {
		got := h.exchange(pkt)
		want := []byte{pkt[0], dap.StatusError}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("command 0x%02x response mismatch (-want +got):\n%s", pkt[0], diff)
		}
	}
}
