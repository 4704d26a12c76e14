package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/omnia-network/omnia-core/client"
	"github.com/omnia-network/omnia-core/models"
	"github.com/omnia-network/omnia-core/principal"
)

var (
	logger       *slog.Logger
	endpoint     string
	identityPath string
	skipVerify   bool
	timeout      time.Duration
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	flag.StringVar(&endpoint, "endpoint", os.Getenv("OMNIA_ENDPOINT"), "Base URL of the omnia service. Defaults to OMNIA_ENDPOINT.")
	flag.StringVar(&identityPath, "identity", defaultIdentityPath(), "Path to the sealed identity file. Created on first use.")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification.")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout.")
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "omniactl.key"
	}
	return filepath.Join(home, ".omnia", "omniactl.key")
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	identity, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	if command == "identity" {
		fmt.Printf("%s %s\n", color.GreenString("principal:"), identity.Text())
		fmt.Printf("%s %s\n", color.GreenString("public key:"), identity.PublicKeyHex())
		return
	}

	if endpoint == "" {
		fmt.Fprintf(os.Stderr, "%s --endpoint or OMNIA_ENDPOINT is required\n", color.RedString("Error:"))
		os.Exit(1)
	}

	cli, err := client.New(&client.Config{
		Endpoint:   endpoint,
		Identity:   identity,
		SkipVerify: skipVerify,
		Timeout:    timeout,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch command {
	case "profile":
		handleProfile(ctx, cli, cmdArgs)
	case "env":
		handleEnv(ctx, cli, cmdArgs)
	case "gateway":
		handleGateway(ctx, cli, cmdArgs)
	case "device":
		handleDevice(ctx, cli, cmdArgs)
	case "key":
		handleKey(ctx, cli, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: omniactl [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("identity"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("profile"), color.CyanString("get | exists <principal>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("env"), color.CyanString("create <name> | set | reset"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("gateway"), color.CyanString("init | initialized | register <env_uid> <name> | list <env_uid> | updates | pair <gateway_principal> <payload>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("device"), color.CyanString("register [prop,...] [action,...] | list | find <env_uid> <affordance,...>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("key"), color.CyanString("price | obtain <block_index> | report <access_key>"))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func challengeOrDie(ctx context.Context, cli *client.Client) string {
	nonce, err := cli.RequestChallenge(ctx)
	if err != nil {
		fatal(err)
	}
	return nonce
}

func handleProfile(ctx context.Context, cli *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		profile, err := cli.GetProfile(ctx, challengeOrDie(ctx, cli))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("principal:"), profile.PrincipalId)
		fmt.Printf("%s %s\n", color.GreenString("ip:"), profile.Ip)
		if profile.UserEnvUid != nil {
			fmt.Printf("%s %s\n", color.GreenString("user env:"), *profile.UserEnvUid)
		}
		if profile.ManagerEnvUid != nil {
			fmt.Printf("%s %s\n", color.GreenString("manager env:"), *profile.ManagerEnvUid)
		}
	case "exists":
		if len(args) != 2 {
			printUsage()
			os.Exit(1)
		}
		exists, err := cli.ProfileExists(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Println(exists)
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleEnv(ctx context.Context, cli *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		if len(args) != 2 {
			printUsage()
			os.Exit(1)
		}
		result, err := cli.CreateEnvironment(ctx, challengeOrDie(ctx, cli), args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s (%s)\n", color.GreenString("created:"), result.EnvUid, result.EnvName)
	case "set":
		info, err := cli.SetEnvironment(ctx, challengeOrDie(ctx, cli))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("joined:"), info.EnvUid)
	case "reset":
		info, err := cli.ResetEnvironment(ctx, challengeOrDie(ctx, cli))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("left:"), info.EnvUid)
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleGateway(ctx context.Context, cli *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "init":
		principalId, err := cli.InitGateway(ctx, challengeOrDie(ctx, cli))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("initialized:"), principalId)
	case "initialized":
		gateways, err := cli.GetInitializedGateways(ctx, challengeOrDie(ctx, cli))
		if err != nil {
			fatal(err)
		}
		for _, gateway := range gateways {
			proxied := ""
			if gateway.ProxiedGatewayUid != "" {
				proxied = fmt.Sprintf(" (proxied as %s)", gateway.ProxiedGatewayUid)
			}
			fmt.Printf("%s%s\n", gateway.PrincipalId, proxied)
		}
	case "register":
		if len(args) != 3 {
			printUsage()
			os.Exit(1)
		}
		gateway, err := cli.RegisterGateway(ctx, challengeOrDie(ctx, cli), args[1], args[2])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s at %s\n", color.GreenString("registered:"), gateway.GatewayName, gateway.GatewayUrl)
	case "list":
		if len(args) != 2 {
			printUsage()
			os.Exit(1)
		}
		gateways, err := cli.GetRegisteredGateways(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		for _, gateway := range gateways {
			fmt.Printf("%s %s (%d devices)\n", gateway.GatewayName, gateway.GatewayUrl, len(gateway.RegisteredDeviceUids))
		}
	case "updates":
		updates, err := cli.GetGatewayUpdates(ctx)
		if err != nil {
			fatal(err)
		}
		if len(updates) == 0 {
			fmt.Println("no pending updates")
			return
		}
		for _, update := range updates {
			fmt.Printf("%s from %s (%s): %s\n", update.Command, update.VirtualPersonaPrincipalId, update.VirtualPersonaIp, update.Info.Payload)
		}
	case "pair":
		if len(args) != 3 {
			printUsage()
			os.Exit(1)
		}
		update, err := cli.PairNewDevice(ctx, challengeOrDie(ctx, cli), args[1], args[2])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s on %s\n", color.GreenString("queued:"), update.Command, args[1])
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleDevice(ctx context.Context, cli *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "register":
		affordances := models.DeviceAffordances{}
		if len(args) > 1 && args[1] != "" {
			affordances.Properties = strings.Split(args[1], ",")
		}
		if len(args) > 2 && args[2] != "" {
			affordances.Actions = strings.Split(args[2], ",")
		}
		result, err := cli.RegisterDevice(ctx, challengeOrDie(ctx, cli), affordances)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s at %s\n", color.GreenString("registered:"), result.Index.DeviceUid, result.Value.DeviceUrl)
	case "list":
		devices, err := cli.GetRegisteredDevices(ctx)
		if err != nil {
			fatal(err)
		}
		for _, device := range devices {
			fmt.Println(device)
		}
	case "find":
		if len(args) != 3 {
			printUsage()
			os.Exit(1)
		}
		devices, err := cli.GetDevicesByAffordances(ctx, args[1], strings.Split(args[2], ","))
		if err != nil {
			fatal(err)
		}
		for _, device := range devices {
			fmt.Println(device)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleKey(ctx context.Context, cli *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "price":
		price, err := cli.GetAccessKeyPrice(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d e8s\n", price)
	case "obtain":
		if len(args) != 2 {
			printUsage()
			os.Exit(1)
		}
		blockIndex, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fatal(fmt.Errorf("invalid block index '%s'", args[1]))
		}
		accessKey, err := cli.ObtainAccessKey(ctx, blockIndex)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("access key:"), accessKey)
	case "report":
		if len(args) != 2 {
			printUsage()
			os.Exit(1)
		}
		signed, err := cli.SignAccessKey(args[1])
		if err != nil {
			fatal(err)
		}
		accepted, err := cli.ReportSignedRequest(ctx, signed)
		if err != nil {
			fatal(err)
		}
		if accepted {
			color.HiGreen("OK")
		} else {
			color.Red("rejected")
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

// loadOrCreateIdentity keeps the CLI identity in a sealed file. The sealing
// secret comes from OMNIA_SECRET so the key file alone is not enough to
// impersonate the principal.
func loadOrCreateIdentity(path string) (principal.Identity, error) {
	secret := os.Getenv("OMNIA_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("OMNIA_SECRET must be set to seal the identity file")
	}

	sealed, err := os.ReadFile(path)
	if err == nil {
		return principal.Import([]byte(secret), sealed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	identity, err := principal.Generate()
	if err != nil {
		return nil, err
	}
	sealed, err = identity.Export([]byte(secret))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "%s new identity written to %s\n", color.YellowString("Note:"), path)
	return identity, nil
}
