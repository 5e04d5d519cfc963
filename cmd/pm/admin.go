package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Hussein-Mazeh/duressvault/internal/service"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
)

func runMaster(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return userError{msg: "Usage: pm master <set|change> [--vault <id>]"}
	}
	fs, dir := newFlagSet("master " + args[0])
	vaultID := fs.String("vault", "", "vault id (defaults to the current vault)")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	svc, err := openService(*dir)
	if err != nil {
		return err
	}
	defer svc.Close()
	id := *vaultID
	if id == "" {
		id = svc.CurrentVault().ID
	}

	switch args[0] {
	case "set":
		need, err := svc.NeedsMasterSetup(id)
		if err != nil {
			return err
		}
		if !need {
			return userError{msg: "vault already has a master password; use pm master change"}
		}
		pw, err := promptNewPassword("master password")
		if err != nil {
			return err
		}
		if err := svc.SetMaster(ctx, id, pw); err != nil {
			return err
		}
		fmt.Printf("master password set for vault %s\n", id)
	case "change":
		if err := unlock(ctx, svc, id); err != nil {
			return err
		}
		oldPw, err := promptString("Old master password: ")
		if err != nil {
			return fmt.Errorf("read old master password: %w", err)
		}
		newPw, err := promptNewPassword("new master password")
		if err != nil {
			return err
		}
		if err := svc.ChangeMaster(ctx, oldPw, newPw); err != nil {
			return err
		}
		fmt.Printf("master password changed for vault %s; records re-encrypted\n", id)
	default:
		return userError{msg: "Usage: pm master <set|change> [--vault <id>]"}
	}
	return nil
}

func runVault(ctx context.Context, args []string) error {
	const usage = "Usage: pm vault <list|create --name N|rename --id ID --name N|delete --id ID|next|prev>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	fs, dir := newFlagSet("vault " + args[0])
	id := fs.String("id", "", "vault id")
	name := fs.String("name", "", "display name")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	svc, err := openService(*dir)
	if err != nil {
		return err
	}
	defer svc.Close()

	switch args[0] {
	case "list":
		current := svc.CurrentVault().ID
		for _, v := range svc.Vaults() {
			marker := " "
			if v.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %-36s  %-20s  %s\n", marker, v.ID, v.DisplayName, v.ColorTag)
		}
	case "create":
		v, err := svc.CreateVault(*name)
		if err != nil {
			return err
		}
		fmt.Printf("created vault %s (%s); run pm master set --vault %s\n", v.DisplayName, v.ID, v.ID)
	case "rename":
		if *id == "" || *name == "" {
			return userError{msg: "rename requires --id and --name"}
		}
		return svc.RenameVault(*id, *name)
	case "delete":
		if *id == "" {
			return userError{msg: "delete requires --id"}
		}
		if err := unlock(ctx, svc, *id); err != nil {
			return err
		}
		if err := svc.DeleteVault(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("vault %s destroyed\n", *id)
	case "next", "prev":
		step := 1
		if args[0] == "prev" {
			step = -1
		}
		v, err := svc.AdjacentVault(step)
		if err != nil {
			return err
		}
		if err := unlock(ctx, svc, v.ID); err != nil {
			return err
		}
		fmt.Printf("switched to %s (%s)\n", v.DisplayName, v.ID)
	default:
		return userError{msg: usage}
	}
	return nil
}

func runDuress(ctx context.Context, args []string) error {
	const usage = "Usage: pm duress <set|clear|decoy --file F|log|trigger>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	fs, dir := newFlagSet("duress " + args[0])
	file := fs.String("file", "", "JSON file with decoy records")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	svc, err := openService(*dir)
	if err != nil {
		return err
	}
	defer svc.Close()

	switch args[0] {
	case "set":
		pw, err := promptNewPassword("panic password")
		if err != nil {
			return err
		}
		if err := svc.SetPanicPassword(ctx, pw); err != nil {
			return err
		}
		fmt.Println("panic password configured")
	case "clear":
		if err := svc.ClearPanicPassword(); err != nil {
			return err
		}
		fmt.Println("panic password removed")
	case "decoy":
		if *file == "" {
			return userError{msg: "decoy requires --file"}
		}
		raw, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read decoys: %w", err)
		}
		var decoys []transfer.Record
		if err := json.Unmarshal(raw, &decoys); err != nil {
			return userError{msg: fmt.Sprintf("decoy file is not a JSON list of records: %v", err)}
		}
		if err := svc.SetDecoys(decoys); err != nil {
			return err
		}
		fmt.Printf("%d decoy records configured\n", len(decoys))
	case "log":
		return printDuressLog(svc)
	case "trigger":
		if err := unlock(ctx, svc, svc.CurrentVault().ID); err != nil {
			return err
		}
		res, err := svc.TriggerDuress(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("wiped=%t backupSent=%t\n", res.Wiped, res.BackupSent)
		for _, f := range res.Failures {
			fmt.Fprintln(os.Stderr, "  "+f)
		}
	default:
		return userError{msg: usage}
	}
	return nil
}

func printDuressLog(svc *service.Service) error {
	entries, err := svc.DuressLog()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%4d  %s  wiped=%t backupSent=%t failures=%d\n",
			e.Seq, e.Timestamp.Format("2006-01-02 15:04:05Z07:00"), e.Wiped, e.BackupSent, len(e.Failures))
	}
	if err := svc.VerifyDuressLog(); err != nil {
		return userError{msg: fmt.Sprintf("activation log failed verification: %v", err)}
	}
	fmt.Printf("%d entries, chain intact\n", len(entries))
	return nil
}

// unlock prompts for the master password of id and opens it.
func unlock(ctx context.Context, svc *service.Service, id string) error {
	need, err := svc.NeedsMasterSetup(id)
	if err != nil {
		return err
	}
	if need {
		return userError{msg: "vault has no master password yet; run pm master set"}
	}
	pw, err := promptString("Enter master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	return svc.Unlock(ctx, id, pw)
}
