// Command dapinfo interrogates a CMSIS-DAP probe and prints its identity
// and capabilities. The probe is reached over USB bulk endpoints or over
// TCP when talking to a probe server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"opendap/client"
	"opendap/common"
	"opendap/dap"
)

func main() {
	var (
		tcpAddr = flag.String("tcp", "", "probe server address (uses USB when empty)")
		vid     = flag.Uint("vid", 0x1209, "USB vendor id")
		pid     = flag.Uint("pid", 0x3443, "USB product id")
		epOut   = flag.Int("ep-out", 1, "USB bulk out endpoint")
		epIn    = flag.Int("ep-in", 2, "USB bulk in endpoint")
		connect = flag.Bool("connect", false, "also connect SWD and read the JTAG IDCODE")
		verbose = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(*tcpAddr, uint16(*vid), uint16(*pid), *epOut, *epIn, *connect, log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(tcpAddr string, vid, pid uint16, epOut, epIn int, connect bool, log *logrus.Logger) error {
	var (
		t   client.Transport
		err error
	)
	if tcpAddr != "" {
		t, err = client.DialTCP(tcpAddr)
	} else {
		t, err = client.OpenUSB(vid, pid, epOut, epIn)
	}
	if err != nil {
		return err
	}

	p, err := client.New(t, common.NewLogrusLogger(log))
	if err != nil {
		t.Close()
		return err
	}
	defer p.Close()

	for _, item := range []struct {
		name string
		get  func() (string, error)
	}{
		{"Vendor", p.VendorID},
		{"Product", p.ProductID},
		{"Serial", p.SerialNumber},
		{"Protocol version", p.ProtocolVersion},
		{"Firmware version", p.FirmwareVersion},
	} {
		s, err := item.get()
		if err != nil {
			return fmt.Errorf("read %s: %w", item.name, err)
		}
		if s == "" {
			s = "(not set)"
		}
		fmt.Printf("%-18s %s\n", item.name+":", s)
	}

	fmt.Printf("%-18s %d bytes\n", "Packet size:", p.MaxPacketSize())
	fmt.Printf("%-18s SWD=%t JTAG=%t\n", "Capabilities:", p.SupportsSWD(), p.SupportsJTAG())

	if !connect {
		return nil
	}

	port, err := p.Connect(dap.PortSWD)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("%-18s port %d\n", "Connected:", port)

	id, err := p.JTAGIDCODE(0)
	if err != nil {
		return fmt.Errorf("read idcode: %w", err)
	}
	fmt.Printf("%-18s 0x%08x\n", "IDCODE:", id)

	return p.Disconnect()
}
