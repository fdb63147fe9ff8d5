package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	routerSecretEnv = "VOUCHERGATE_ROUTER_SECRET"
	usage           = `vouchergatectl manages routers, profiles and vouchers.

Usage:
  vouchergatectl add-router   -id R1 -owner op [-name lobby] [-generate-secret]
  vouchergatectl set-router   -id R1 -enabled=false
  vouchergatectl routers      [-owner op]
  vouchergatectl add-profile  -name 1h -seconds 3600 [-up N] [-down N] [-expiry-days N]
  vouchergatectl generate     -owner op -profile 1h [-router R1] [-count 10] [-length 8]
  vouchergatectl show         -code AB12CD34
  vouchergatectl revoke       -code AB12CD34
  vouchergatectl events       [-router R1] [-limit 50]
  vouchergatectl prune        [-nonce-ttl 10m] [-audit-retention 2160h]
  vouchergatectl sign         -router R1 -mac aa:bb:cc:dd:ee:ff -voucher AB12CD34

Every command except sign accepts -config <file> or -dsn <dsn>.
Router secrets are read from ` + routerSecretEnv + ` or prompted for.
`
)

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"add-router":  runAddRouter,
	"set-router":  runSetRouter,
	"routers":     runListRouters,
	"add-profile": runAddProfile,
	"generate":    runGenerate,
	"show":        runShow,
	"revoke":      runRevoke,
	"events":      runEvents,
	"prune":       runPrune,
	"sign":        runSign,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("command required")
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	return cmd(ctx, args[1:], out)
}
