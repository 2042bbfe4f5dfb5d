package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ALLTERCO/device-provisioning-service/api/clients"
	"github.com/ALLTERCO/device-provisioning-service/cmd/flags"
	"github.com/ALLTERCO/device-provisioning-service/httpserver"
)

var flagAdminID = &cli.StringFlag{
	Name:  "admin-id",
	Usage: "administrator identifier registered with the server",
}

var flagPrivkeyFile = &cli.StringFlag{
	Name:  "privkey-file",
	Value: "admin-private.pem",
	Usage: "path to the admin ECDSA private key",
}

var flagPubkeyFile = &cli.StringFlag{
	Name:  "pubkey-file",
	Value: "admin-public.pem",
	Usage: "path to write the admin public key",
}

var flagShareFile = &cli.StringFlag{
	Name:  "share-file",
	Value: "admin-share.json",
	Usage: "path of the local share file",
}

var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "shares required to reconstruct the master secret",
}

var flagTotalShares = &cli.IntFlag{
	Name:  "total-shares",
	Value: 3,
	Usage: "shares to split the master secret into",
}

// shareFile is the on-disk form of a decrypted share. It stays plaintext
// only in the admin's hands; the server never sees it unencrypted outside
// a recovery submission.
type shareFile struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"` // base64
}

func main() {
	app := &cli.App{
		Name:  "provision-admin",
		Usage: "Master secret ceremonies for a sealed provisioning authority",
		Flags: []cli.Flag{flags.ServerAddrFlag, flagAdminID, flagPrivkeyFile},
		Commands: []*cli.Command{
			{
				Name:   "generate-keypair",
				Usage:  "Generate an administrator ECDSA key pair",
				Flags:  []cli.Flag{flagPubkeyFile},
				Action: runGenerateKeypair,
			},
			{
				Name:   "status",
				Usage:  "Show ceremony status",
				Action: runStatus,
			},
			{
				Name:   "init-generate",
				Usage:  "Generate the master secret and prepare shares",
				Flags:  []cli.Flag{flagThreshold, flagTotalShares},
				Action: runInitGenerate,
			},
			{
				Name:   "init-recover",
				Usage:  "Start recovery on a sealed authority",
				Flags:  []cli.Flag{flagThreshold},
				Action: runInitRecover,
			},
			{
				Name:   "fetch-share",
				Usage:  "Retrieve and decrypt this admin's share",
				Flags:  []cli.Flag{flagShareFile},
				Action: runFetchShare,
			},
			{
				Name:   "submit-share",
				Usage:  "Submit this admin's share during recovery",
				Flags:  []cli.Flag{flagShareFile},
				Action: runSubmitShare,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	adminID := cCtx.String(flagAdminID.Name)
	if adminID == "" {
		return nil, fmt.Errorf("--%s is required", flagAdminID.Name)
	}

	keyPEM, err := os.ReadFile(cCtx.String(flagPrivkeyFile.Name))
	if err != nil {
		return nil, fmt.Errorf("reading admin key: %w", err)
	}
	privKey, err := httpserver.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	baseURL := cCtx.String(flags.ServerAddrFlag.Name) + "/admin"
	return clients.NewAdminClient(baseURL, adminID, privKey, 30*time.Second), nil
}

func printJSON(cCtx *cli.Context, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, string(encoded))
	return nil
}

func runGenerateKeypair(cCtx *cli.Context) error {
	privPEM, pubPEM, err := httpserver.GenerateAdminKeyPair()
	if err != nil {
		return err
	}

	privOut := cCtx.String(flagPrivkeyFile.Name)
	if err := os.WriteFile(privOut, []byte(privPEM), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	pubOut := cCtx.String(flagPubkeyFile.Name)
	if err := os.WriteFile(pubOut, []byte(pubPEM), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	fmt.Fprintf(cCtx.App.Writer, "private key: %s\npublic key:  %s\n", privOut, pubOut)
	fmt.Fprintln(cCtx.App.Writer, "register the public key in the server's admin keys file")
	return nil
}

func runStatus(cCtx *cli.Context) error {
	// Status is unauthenticated; a key is not required to poll it.
	baseURL := cCtx.String(flags.ServerAddrFlag.Name) + "/admin"
	status, err := clients.NewAdminClient(baseURL, "", nil).GetStatus()
	if err != nil {
		return err
	}
	return printJSON(cCtx, status)
}

func runInitGenerate(cCtx *cli.Context) error {
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}

	resp, err := client.InitGenerate(cCtx.Int(flagThreshold.Name), cCtx.Int(flagTotalShares.Name))
	if err != nil {
		return err
	}
	if err := printJSON(cCtx, resp); err != nil {
		return err
	}

	fmt.Fprintln(cCtx.App.Writer, "each listed admin must now run fetch-share; the service completes once every share is retrieved")
	return nil
}

func runInitRecover(cCtx *cli.Context) error {
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}

	if err := client.InitRecover(cCtx.Int(flagThreshold.Name)); err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, "recovery started; admins must submit-share until the threshold is met")
	return nil
}

func runFetchShare(cCtx *cli.Context) error {
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}

	fetched, err := client.FetchShare()
	if err != nil {
		return err
	}
	share, err := client.DecryptShare(fetched)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(shareFile{
		ShareIndex: fetched.ShareIndex,
		Share:      base64.StdEncoding.EncodeToString(share),
	}, "", "  ")
	if err != nil {
		return err
	}

	out := cCtx.String(flagShareFile.Name)
	if err := os.WriteFile(out, encoded, 0o600); err != nil {
		return fmt.Errorf("writing share file: %w", err)
	}
	fmt.Fprintf(cCtx.App.Writer, "share %d written to %s; store it offline\n", fetched.ShareIndex, out)
	return nil
}

func runSubmitShare(cCtx *cli.Context) error {
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(cCtx.String(flagShareFile.Name))
	if err != nil {
		return fmt.Errorf("reading share file: %w", err)
	}
	var stored shareFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parsing share file: %w", err)
	}
	share, err := base64.StdEncoding.DecodeString(stored.Share)
	if err != nil {
		return fmt.Errorf("decoding share: %w", err)
	}

	resp, err := client.SubmitShare(stored.ShareIndex, share, nil)
	if err != nil {
		return err
	}
	if err := printJSON(cCtx, resp); err != nil {
		return err
	}

	if resp.Unsealed {
		fmt.Fprintln(cCtx.App.Writer, "authority unsealed; the service is operational")
	} else {
		fmt.Fprintf(cCtx.App.Writer, "%d of %d shares received\n", resp.SharesReceived, resp.Threshold)
	}
	return nil
}
