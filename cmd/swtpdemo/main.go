// Command swtpdemo drives a one-shot file transfer over the swtp
// protocol, in either "serve" or "send" mode, narrating progress with
// pterm the way 1ureka-roj1's internal/util logger wraps it. Grounded
// in shape on original_source's FileTransfer CLI (start a server,
// send a file with retries, print success/failure), adapted from its
// retry-the-whole-transfer loop to swtp's own per-leg retry since the
// protocol already retries within Session.Send/Close.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/dkendall/swtp"
)

func main() {
	mode := flag.String("mode", "", "serve|send")
	addr := flag.String("addr", ":9595", "listen address (serve) or target address (send)")
	file := flag.String("file", "", "path to send (send mode) or write received bytes to (serve mode)")
	chunk := flag.Int("chunk", 1024, "chunk size in bytes for send mode")
	flag.Parse()

	switch *mode {
	case "serve":
		if err := serve(*addr, *file); err != nil {
			pterm.Error.Printfln("serve failed: %v", err)
			os.Exit(1)
		}
	case "send":
		if *file == "" {
			pterm.Error.Println("-file is required in send mode")
			os.Exit(1)
		}
		if err := send(*addr, *file, *chunk); err != nil {
			pterm.Error.Printfln("send failed: %v", err)
			os.Exit(1)
		}
	default:
		pterm.Error.Println("-mode must be serve or send")
		os.Exit(1)
	}
}

func serve(addr, outPath string) error {
	ctx := context.Background()
	log := zerolog.Nop()
	cfg := swtp.DefaultConfig()

	ln, err := swtp.Listen(addr, cfg, log)
	if err != nil {
		return err
	}
	defer ln.Close()
	pterm.Info.Printfln("listening on %s, waiting for a connection...", ln.Addr())

	sess, err := ln.Accept(ctx, nil, nil)
	if err != nil {
		return err
	}
	pterm.Success.Println("handshake complete, receiving")

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	spinner, _ := pterm.DefaultSpinner.Start("receiving data...")
	var total int
	for {
		chunk, err := sess.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				spinner.Success(fmt.Sprintf("received %d bytes", total))
				return nil
			}
			spinner.Fail(err.Error())
			return err
		}
		if _, werr := out.Write(chunk); werr != nil {
			spinner.Fail(werr.Error())
			return werr
		}
		total += len(chunk)
		spinner.UpdateText(fmt.Sprintf("received %d bytes", total))
	}
}

func send(addr, path string, chunkSize int) error {
	ctx := context.Background()
	log := zerolog.Nop()
	cfg := swtp.DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pterm.Info.Printfln("dialing %s", addr)
	sess, err := swtp.Dial(ctx, addr, nil, cfg, nil, log)
	if err != nil {
		return err
	}
	pterm.Success.Println("handshake complete, sending")

	spinner, _ := pterm.DefaultSpinner.Start("sending data...")
	reader := bufio.NewReader(f)
	buf := make([]byte, chunkSize)
	var total int
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if err := sess.Send(ctx, buf[:n]); err != nil {
				spinner.Fail(err.Error())
				return err
			}
			total += n
			spinner.UpdateText(fmt.Sprintf("sent %d bytes", total))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			spinner.Fail(rerr.Error())
			return rerr
		}
	}

	if err := sess.Close(ctx); err != nil {
		var restart *swtp.RestartRequired
		if errors.As(err, &restart) {
			spinner.Fail("server reset the connection, checksum mismatch")
			pterm.Warning.Printfln("%d bytes believed sent before reset; re-run to retry", restart.BytesSent)
			return err
		}
		spinner.Fail(err.Error())
		return err
	}

	spinner.Success(fmt.Sprintf("sent %d bytes", total))
	return nil
}
