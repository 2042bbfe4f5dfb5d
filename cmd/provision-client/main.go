package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/api/clients"
	"github.com/ALLTERCO/device-provisioning-service/cmd/flags"
	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

var flagCommonName = &cli.StringFlag{
	Name:     "cn",
	Required: true,
	Usage:    "common name of the identity to provision",
}

var flagClientID = &cli.StringFlag{
	Name:  "client-id",
	Usage: "device client identifier, bound into the certificate as a SAN URI (defaults to cn for devices)",
}

var flagRole = &cli.StringFlag{
	Name:  "role",
	Value: "device",
	Usage: "identity role: device, admin, or monitor",
}

var flagValidityDays = &cli.IntFlag{
	Name:  "validity-days",
	Value: 825,
	Usage: "requested certificate lifetime in days",
}

var flagAddress = &cli.StringFlag{
	Name:  "address",
	Usage: "device RPC endpoint (host:port); empty resolves via the server's locator",
}

var flagProbeAddress = &cli.StringFlag{
	Name:  "probe-address",
	Usage: "TLS endpoint for handshake verification; defaults to address",
}

var flagDeviceKey = &cli.BoolFlag{
	Name:  "device-key",
	Usage: "generate the keypair locally and submit only a CSR; the private key never leaves this machine",
}

var flagKeyOut = &cli.StringFlag{
	Name:  "key-out",
	Value: "device-key.pem",
	Usage: "where the locally generated private key is written (with --device-key)",
}

var flagCSRFile = &cli.StringFlag{
	Name:  "csr",
	Usage: "path to an existing PEM CSR to certify instead of generating keys",
}

var flagWait = &cli.BoolFlag{
	Name:  "wait",
	Value: true,
	Usage: "poll the job until it reaches a terminal state",
}

var flagLabel = &cli.StringFlag{Name: "label", Usage: "free-form device label"}
var flagGroup = &cli.StringFlag{Name: "group", Usage: "fleet group"}
var flagTags = &cli.StringFlag{Name: "tags", Usage: "comma-separated fleet tags"}

func main() {
	app := &cli.App{
		Name:  "provision-client",
		Usage: "Operator CLI for the device credential provisioning service",
		Flags: []cli.Flag{flags.ServerAddrFlag},
		Commands: []*cli.Command{
			{
				Name:  "request",
				Usage: "Submit a provisioning request",
				Flags: []cli.Flag{
					flagCommonName, flagClientID, flagRole, flagValidityDays,
					flagAddress, flagProbeAddress, flagDeviceKey, flagKeyOut,
					flagCSRFile, flagWait, flagLabel, flagGroup, flagTags,
				},
				Action: runRequest,
			},
			{
				Name:      "status",
				Usage:     "Show a provisioning job",
				ArgsUsage: "<job-id>",
				Action:    runStatus,
			},
			{
				Name:      "identity",
				Usage:     "Show an identity and its certificate history",
				ArgsUsage: "<common-name>",
				Action:    runIdentity,
			},
			{
				Name:   "list",
				Usage:  "List active identities holding a role",
				Flags:  []cli.Flag{flagRole},
				Action: runList,
			},
			{
				Name:      "revoke",
				Usage:     "Revoke a certificate by serial number",
				ArgsUsage: "<serial>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Value: "operator revocation"},
				},
				Action: runRevoke,
			},
			{
				Name:   "ca",
				Usage:  "Fetch the authority root certificate PEM",
				Action: runCACert,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) *clients.ProvisioningClient {
	return &clients.ProvisioningClient{ServerAddr: cCtx.String(flags.ServerAddrFlag.Name)}
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func runRequest(cCtx *cli.Context) error {
	request := api.ProvisionRequest{
		CommonName:   cCtx.String(flagCommonName.Name),
		ClientID:     cCtx.String(flagClientID.Name),
		Role:         cCtx.String(flagRole.Name),
		ValidityDays: cCtx.Int(flagValidityDays.Name),
		Address:      cCtx.String(flagAddress.Name),
		ProbeAddress: cCtx.String(flagProbeAddress.Name),
		Label:        cCtx.String(flagLabel.Name),
		Group:        cCtx.String(flagGroup.Name),
	}
	if tags := cCtx.String(flagTags.Name); tags != "" {
		request.Tags = strings.Split(tags, ",")
	}
	if request.ClientID == "" && request.Role == interfaces.RoleDevice.String() {
		request.ClientID = request.CommonName
	}

	switch {
	case cCtx.String(flagCSRFile.Name) != "":
		data, err := os.ReadFile(cCtx.String(flagCSRFile.Name))
		if err != nil {
			return fmt.Errorf("reading CSR: %w", err)
		}
		csr, err := cryptoutils.NewCSRPEM(data)
		if err != nil {
			return fmt.Errorf("parsing CSR: %w", err)
		}
		request.CSRPEM = string(csr)

	case cCtx.Bool(flagDeviceKey.Name):
		key, csr, err := cryptoutils.CreateCSRWithRandomKey(request.CommonName, request.ClientID)
		if err != nil {
			return fmt.Errorf("generating local keypair: %w", err)
		}
		keyOut := cCtx.String(flagKeyOut.Name)
		if err := os.WriteFile(keyOut, key, 0o600); err != nil {
			return fmt.Errorf("writing private key: %w", err)
		}
		fmt.Fprintf(cCtx.App.Writer, "private key written to %s\n", keyOut)
		request.CSRPEM = string(csr)
	}

	client := newClient(cCtx)
	accepted, err := client.Provision(cCtx.Context, request)
	if err != nil {
		return err
	}
	fmt.Fprintf(cCtx.App.Writer, "job %s accepted in state %s\n", accepted.JobID, accepted.State)

	if !cCtx.Bool(flagWait.Name) {
		return nil
	}

	job, err := client.WaitForJob(cCtx.Context, accepted.JobID, 500*time.Millisecond)
	if err != nil {
		return err
	}
	if err := printJSON(job); err != nil {
		return err
	}
	if job.State != interfaces.JobVerified {
		return fmt.Errorf("provisioning ended in %s", job.State)
	}
	return nil
}

func runStatus(cCtx *cli.Context) error {
	jobID := cCtx.Args().First()
	if jobID == "" {
		return errors.New("usage: provision-client status <job-id>")
	}

	job, err := newClient(cCtx).GetJob(cCtx.Context, jobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runIdentity(cCtx *cli.Context) error {
	commonName := cCtx.Args().First()
	if commonName == "" {
		return errors.New("usage: provision-client identity <common-name>")
	}

	identity, err := newClient(cCtx).GetIdentity(cCtx.Context, commonName)
	if err != nil {
		return err
	}
	return printJSON(identity)
}

func runList(cCtx *cli.Context) error {
	role, err := interfaces.ParseRole(cCtx.String(flagRole.Name))
	if err != nil {
		return err
	}

	identities, err := newClient(cCtx).ListIdentities(cCtx.Context, role)
	if err != nil {
		return err
	}
	return printJSON(identities)
}

func runRevoke(cCtx *cli.Context) error {
	serialArg := cCtx.Args().First()
	if serialArg == "" {
		return errors.New("usage: provision-client revoke <serial>")
	}
	serial, err := interfaces.SerialNumberFromHex(serialArg)
	if err != nil {
		return err
	}

	resp, err := newClient(cCtx).Revoke(cCtx.Context, serial, cCtx.String("reason"))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runCACert(cCtx *cli.Context) error {
	pem, err := newClient(cCtx).CACert(cCtx.Context)
	if err != nil {
		return err
	}
	fmt.Fprint(cCtx.App.Writer, string(pem))
	return nil
}
