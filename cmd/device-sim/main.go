package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ALLTERCO/device-provisioning-service/cmd/flags"
	"github.com/ALLTERCO/device-provisioning-service/devicesim"
)

var flagClientID = &cli.StringFlag{
	Name:  "client-id",
	Value: "shelly-sim-01",
	Usage: "client identifier the simulated device answers as",
}

var flagCSROut = &cli.StringFlag{
	Name:  "csr-out",
	Usage: "generate a device-held keypair and write the CSR here before serving",
}

func main() {
	app := &cli.App{
		Name:  "device-sim",
		Usage: "Run a fake fleet device: credential upload RPC plus a TLS listener for verification probes",
		Flags: append([]cli.Flag{flagClientID, flagCSROut}, flags.LoggingFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			device := devicesim.New(cCtx.String(flagClientID.Name), logger)
			if err := device.Start(); err != nil {
				return err
			}
			defer device.Close()

			if csrOut := cCtx.String(flagCSROut.Name); csrOut != "" {
				csr, err := device.GenerateCSR()
				if err != nil {
					return err
				}
				if err := os.WriteFile(csrOut, csr, 0o644); err != nil {
					return fmt.Errorf("writing CSR: %w", err)
				}
				logger.Info("Device CSR written, submit it with the provisioning request", "path", csrOut)
			}

			logger.Info("Device simulator running",
				"client_id", cCtx.String(flagClientID.Name),
				"rpc_addr", device.RPCAddr(),
				"probe_addr", device.TLSAddr(),
			)
			fmt.Fprintf(cCtx.App.Writer, "rpc address:   %s\nprobe address: %s\n", device.RPCAddr(), device.TLSAddr())

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
