package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Hussein-Mazeh/duressvault/auth"
	"github.com/Hussein-Mazeh/duressvault/internal/config"
	"github.com/Hussein-Mazeh/duressvault/internal/duress"
	"github.com/Hussein-Mazeh/duressvault/internal/logger"
	"github.com/Hussein-Mazeh/duressvault/internal/schedule"
	"github.com/Hussein-Mazeh/duressvault/internal/service"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

const cliVersion = "0.2.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "version":
		fmt.Println(cliVersion)
		return
	case "master":
		err = runMaster(ctx, args)
	case "vault":
		err = runVault(ctx, args)
	case "duress":
		err = runDuress(ctx, args)
	case "session":
		err = runSession(ctx, args)
	case "add", "get", "list", "search", "update", "delete", "rule", "totp", "transfer", "breach", "backup":
		err = runOneShot(ctx, cmd, args)
	default:
		printUsage()
		os.Exit(1)
	}
	handleError(err)
}

func handleError(err error) {
	if err == nil {
		return
	}
	if msg, ok := describe(err); ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	os.Exit(2)
}

// describe maps expected failures to a message for the user. ok is false for internal errors.
func describe(err error) (string, bool) {
	var (
		uerr     userError
		policy   *auth.PolicyError
		denied   *service.AccessDeniedError
		partial  *transfer.IncompleteTransferError
		rotation *vault.RotationAbortedError
	)
	switch {
	case errors.As(err, &uerr):
		return uerr.msg, true
	case errors.As(err, &policy):
		return "password does not meet policy requirements: " + policy.Reason, true
	case errors.Is(err, auth.ErrBreachedPassword):
		return err.Error(), true
	case errors.As(err, &denied):
		return denied.Error(), true
	case errors.As(err, &partial):
		return partial.Error(), true
	case errors.As(err, &rotation):
		return "master password unchanged: " + rotation.Cause.Error(), true
	case errors.Is(err, vault.ErrWrongPassword):
		return "failed to unlock vault", true
	case errors.Is(err, vault.ErrLocked):
		return "vault is locked", true
	case errors.Is(err, vault.ErrVaultNotFound), errors.Is(err, service.ErrNotFound):
		return err.Error(), true
	case errors.Is(err, vault.ErrDefaultVaultDeletion), errors.Is(err, vault.ErrAlreadyInitialised):
		return err.Error(), true
	case errors.Is(err, service.ErrPasswordCollision):
		return err.Error(), true
	case errors.Is(err, krypto.ErrAuthentication):
		return "wrong password or corrupted data", true
	case errors.Is(err, transfer.ErrUnknownFormat), errors.Is(err, transfer.ErrInconsistentChunks):
		return err.Error(), true
	case errors.Is(err, schedule.ErrInvalidRule), errors.Is(err, duress.ErrChecksumMismatch):
		return err.Error(), true
	case errors.Is(err, context.Canceled):
		return "interrupted", true
	}
	return "", false
}

// openService loads configuration from the environment; a non-empty dir overrides PM_DIR.
func openService(dir string) (*service.Service, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, userError{msg: err.Error()}
	}
	if dir != "" {
		cfg.Dir = dir
	}
	return service.New(cfg, logger.New(cfg.LogLevel))
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", "", "vault directory (defaults to PM_DIR)")
	return fs, dir
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return userError{msg: fmt.Sprintf("invalid %s arguments: %v", fs.Name(), err)}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}
	return nil
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

// promptNewPassword asks twice and fails when the entries differ.
func promptNewPassword(what string) (string, error) {
	pw, err := promptPassword(fmt.Sprintf("Enter %s: ", what))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	defer zeroBytes(pw)

	confirm, err := promptPassword(fmt.Sprintf("Confirm %s: ", what))
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)

	if !bytes.Equal(pw, confirm) {
		return "", userError{msg: "passwords do not match"}
	}
	return string(pw), nil
}

func promptString(prompt string) (string, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	defer zeroBytes(pw)
	return string(pw), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pm <command> [--dir <vault-dir>]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version")
	fmt.Fprintln(os.Stderr, "  master set|change [--vault <id>]")
	fmt.Fprintln(os.Stderr, "  vault list|create|rename|delete|next|prev")
	fmt.Fprintln(os.Stderr, "  duress set|clear|decoy|log|trigger")
	fmt.Fprintln(os.Stderr, "  session [--vault <id>]")
	fmt.Fprintln(os.Stderr, "  add|get|list|search|update|delete|rule|totp|transfer|breach|backup [--vault <id>] ...")
}
