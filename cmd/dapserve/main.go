// Command dapserve runs a CMSIS-DAP probe engine behind a TCP listener,
// backed by the software transactor simulator. Each connection gets its own
// engine; packets travel as little endian length-prefixed frames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"opendap/client"
	"opendap/common"
	"opendap/dap"
	"opendap/dbgif"
	"opendap/engine"
	"opendap/printer"
	"opendap/stream"
)

func main() {
	var (
		addr    = flag.String("listen", "127.0.0.1:4441", "listen address")
		v1      = flag.Bool("v1", false, "use fixed 64 byte packet framing")
		verbose = flag.Bool("verbose", false, "log every packet")
		echoTDI = flag.Bool("echo-tdi", false, "simulator loops TDI back on TDO")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := serve(*addr, *v1, *echoTDI, log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func serve(addr string, v1, echoTDI bool, log *logrus.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Infof("probe server listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			log.Infof("connection from %s", conn.RemoteAddr())
			if err := handle(conn, v1, echoTDI, log); err != nil {
				log.Warnf("connection %s: %v", conn.RemoteAddr(), err)
			}
			log.Infof("connection %s closed", conn.RemoteAddr())
		}()
	}
}

// handle runs one engine over one connection until the peer goes away.
func handle(conn net.Conn, v1, echoTDI bool, log *logrus.Logger) error {
	defer conn.Close()

	version := dap.V2
	if v1 {
		version = dap.V1
	}
	sim := dbgif.NewSim()
	sim.EchoTDI = echoTDI

	cmdCh := make(chan stream.Datum, 2*dap.V2MaxPacketSize)
	respCh := make(chan stream.Datum, 2*dap.V2MaxPacketSize)
	eng := engine.New(engine.Config{
		Version: version,
		Logger:  common.NewLogrusLogger(log),
	}, cmdCh, respCh, sim)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()

	// Response pump: engine packets back to the peer.
	respDone := make(chan error, 1)
	go func() {
		for {
			pkt, err := stream.Collect(ctx, respCh)
			if err != nil {
				respDone <- err
				return
			}
			log.Debug(printer.FormatResponseLine(pkt))
			if err := client.WriteFrame(conn, pkt); err != nil {
				respDone <- err
				return
			}
		}
	}()

	// Command pump, on this goroutine.
	var readErr error
	for {
		pkt, err := client.ReadFrame(conn)
		if err != nil {
			readErr = err
			break
		}
		log.Debug(printer.FormatCommandLine(pkt))
		if err := stream.Packetize(ctx, cmdCh, pkt); err != nil {
			readErr = err
			break
		}
	}

	close(cmdCh)
	if err := <-engDone; err != nil && err != context.Canceled {
		return err
	}
	cancel()
	<-respDone

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	return nil
}
