package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/wallet"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, Unit: cashu.Sat}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		// variables already set in the environment take precedence
		godotenv.Load(envPath)
	}

	if mints := os.Getenv("NUTW_MINTS"); len(mints) > 0 {
		for _, mint := range strings.Split(mints, ",") {
			if mint = strings.TrimSpace(mint); len(mint) > 0 {
				config.Mints = append(config.Mints, mint)
			}
		}
	}
	config.Storage = wallet.StringToStorage(os.Getenv("NUTW_STORAGE"))

	switch strings.ToLower(os.Getenv("NUTW_LOG_LEVEL")) {
	case "debug":
		config.LogLevel = wallet.Debug
	case "disable":
		config.LogLevel = wallet.Disable
	default:
		config.LogLevel = wallet.Info
	}

	if maxConcurrency, err := strconv.Atoi(os.Getenv("NUTW_MAX_CONCURRENCY")); err == nil {
		config.MaxConcurrency = maxConcurrency
	}

	return config
}

func setWalletPath() string {
	if path := os.Getenv("NUTW_WALLET_PATH"); len(path) > 0 {
		if err := os.MkdirAll(path, 0700); err != nil {
			log.Fatal(err)
		}
		return path
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".multinuts", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()
	config.StatusListener = func(status wallet.Status, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v: %v\n", status, err)
		}
	}

	var err error
	nutw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Shutdown()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu wallet that pays lightning invoices from several mints",
		Commands: []*cli.Command{
			balanceCmd,
			mintsCmd,
			addMintCmd,
			importCmd,
			payCmd,
			pendingCmd,
			checkCmd,
			retryCmd,
			waitCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance by mint",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balanceByMints := nutw.GetBalanceByMints()
	fmt.Printf("Balance by mint:\n\n")
	for i, mint := range nutw.TrustedMints() {
		fmt.Printf("Mint %v: %v ---- balance: %v %s\n", i+1, mint, balanceByMints[mint], nutw.Unit())
	}
	fmt.Printf("\nTotal balance: %v %s\n", nutw.GetBalance(), nutw.Unit())
	if pending := nutw.GetPendingBalance(); pending > 0 {
		fmt.Printf("Pending balance: %v %s\n", pending, nutw.Unit())
	}
	return nil
}

var mintsCmd = &cli.Command{
	Name:   "mints",
	Usage:  "List trusted mints",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: listMints,
}

func listMints(ctx *cli.Context) error {
	for _, mint := range nutw.TrustedMints() {
		fmt.Println(mint)
	}
	return nil
}

var addMintCmd = &cli.Command{
	Name:      "addmint",
	Usage:     "Trust a new mint",
	ArgsUsage: "[MINT URL]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    addMint,
}

func addMint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint url"))
	}

	info, err := nutw.AddMint(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("added mint '%v'\n", info.Name)
	if info.SupportsMpp(cashu.BOLT11_METHOD, nutw.Unit().String()) {
		fmt.Println("mint supports multi-path payments")
	}
	return nil
}

var importCmd = &cli.Command{
	Name:      "import",
	Usage:     "Import proofs from a cashu token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    importToken,
}

func importToken(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	amount, err := nutw.ImportToken(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v %s imported\n", amount, nutw.Unit())
	return nil
}

const (
	mintFlag       = "mint"
	dropFailedFlag = "drop-failed"
)

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  mintFlag,
			Usage: "Mint to pay from. Repeat to split the payment across mints. Defaults to all trusted mints",
		},
		&cli.BoolFlag{
			Name:  dropFailedFlag,
			Usage: "Leave out mints that fail to give a quote",
		},
	},
	Before: setupWallet,
	After:  shutdownWallet,
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	invoice := args.First()

	mints := ctx.StringSlice(mintFlag)
	if len(mints) == 0 {
		mints = nutw.TrustedMints()
	}

	result, err := nutw.Melt(ctx.Context, invoice, mints, wallet.MeltOptions{
		DropFailedMints: ctx.Bool(dropFailedFlag),
	})
	if err != nil {
		printErr(err)
	}
	printResult(result)
	return nil
}

func printResult(result *wallet.MeltResult) {
	switch result.State {
	case storage.Paid:
		fmt.Printf("invoice paid. Preimage: %v\n", result.Preimage)
	case storage.PartiallyPaid:
		fmt.Printf("invoice partially paid. Retry with 'nutw retry %v'\n", result.AttemptId)
	case storage.Unpaid:
		fmt.Println("invoice could not be paid")
	default:
		fmt.Printf("payment pending. Check with 'nutw check %v'\n", result.AttemptId)
	}
	for _, leg := range result.Legs {
		outcome := "-"
		if leg.Outcome != nil {
			outcome = leg.Outcome.String()
		}
		fmt.Printf("  %v: %v %s (fee reserve %v, input fee %v) %v\n",
			leg.Mint, leg.Amount, nutw.Unit(), leg.FeeReserve, leg.InputFee, outcome)
	}
	if result.ChangeAmount > 0 {
		fmt.Printf("change received: %v %s\n", result.ChangeAmount, nutw.Unit())
	}
}

func printAttempt(attempt *storage.MeltAttempt) {
	fmt.Printf("%v: %v msat ---- %v\n", attempt.Id, attempt.AmountMsat, attempt.State)
	for _, leg := range attempt.PaidLegs {
		fmt.Printf("  %v: %v %v\n", leg.Mint, leg.Amount, leg.QuoteState)
	}
	for _, leg := range attempt.Legs {
		fmt.Printf("  %v: %v %v\n", leg.Mint, leg.Amount, leg.QuoteState)
	}
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "List payments that are not settled",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: listPending,
}

func listPending(ctx *cli.Context) error {
	attempts := nutw.GetPendingMeltAttempts()
	if len(attempts) == 0 {
		fmt.Println("no pending payments")
		return nil
	}
	for i := range attempts {
		printAttempt(&attempts[i])
	}
	return nil
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "Check the state of a payment with its mints. Checks all pending payments if no id is given",
	ArgsUsage: "[ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    check,
}

func check(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		attempts, err := nutw.CheckPendingMelts(ctx.Context)
		if err != nil {
			printErr(err)
		}
		for i := range attempts {
			printAttempt(&attempts[i])
		}
		return nil
	}

	attempt, err := nutw.CheckMeltAttempt(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	printAttempt(attempt)
	return nil
}

var retryCmd = &cli.Command{
	Name:      "retry",
	Usage:     "Retry the unpaid parts of a partially paid payment",
	ArgsUsage: "[ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    retry,
}

func retry(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the id of the payment"))
	}

	result, err := nutw.RetryMeltAttempt(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	printResult(result)
	return nil
}

const (
	timeoutFlag  = "timeout"
	intervalFlag = "interval"
)

var waitCmd = &cli.Command{
	Name:      "wait",
	Usage:     "Wait until a pending payment settles",
	ArgsUsage: "[ID]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  timeoutFlag,
			Value: 10 * time.Minute,
		},
		&cli.DurationFlag{
			Name:  intervalFlag,
			Usage: "Time between checks with mints that do not support websockets",
			Value: 5 * time.Second,
		},
	},
	Before: setupWallet,
	After:  shutdownWallet,
	Action: waitAttempt,
}

func waitAttempt(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the id of the payment"))
	}

	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(timeoutFlag))
	defer cancel()

	attempt, err := nutw.WaitForMeltAttempt(waitCtx, args.First(), ctx.Duration(intervalFlag))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Println("payment still pending")
			return nil
		}
		printErr(err)
	}
	printAttempt(attempt)
	return nil
}

const mnemonicFlag = "mnemonic"

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore wallet from mnemonic",
	ArgsUsage: "[MINT URL]...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     mnemonicFlag,
			Usage:    "12 word mnemonic",
			Required: true,
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	config := walletConfig()
	mints := ctx.Args().Slice()
	if len(mints) == 0 {
		mints = config.Mints
	}
	if len(mints) == 0 {
		printErr(errors.New("specify the mints to restore from"))
	}

	amount, err := wallet.Restore(ctx.Context, config, ctx.String(mnemonicFlag), mints)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("restored %v %s\n", amount, config.Unit)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
