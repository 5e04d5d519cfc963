package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hussein-Mazeh/duressvault/internal/schedule"
	"github.com/Hussein-Mazeh/duressvault/internal/service"
	"github.com/Hussein-Mazeh/duressvault/internal/totp"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
)

func runSession(ctx context.Context, args []string) error {
	fs, dir := newFlagSet("session")
	vaultID := fs.String("vault", "", "vault id (defaults to the current vault)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	svc, err := openUnlocked(ctx, *dir, *vaultID)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Println("session unlocked; type 'help' for commands")
	return sessionLoop(ctx, svc)
}

// runOneShot unlocks the vault, runs a single session command and locks again.
func runOneShot(ctx context.Context, cmd string, args []string) error {
	var dir, vaultID string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "--dir" || args[i] == "--vault") && i+1 < len(args):
			if args[i] == "--dir" {
				dir = args[i+1]
			} else {
				vaultID = args[i+1]
			}
			i++
		default:
			rest = append(rest, args[i])
		}
	}

	svc, err := openUnlocked(ctx, dir, vaultID)
	if err != nil {
		return err
	}
	defer svc.Close()
	return dispatch(ctx, svc, cmd, rest)
}

func openUnlocked(ctx context.Context, dir, vaultID string) (*service.Service, error) {
	svc, err := openService(dir)
	if err != nil {
		return nil, err
	}
	if vaultID == "" {
		vaultID = svc.CurrentVault().ID
	}
	if err := unlock(ctx, svc, vaultID); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func sessionLoop(ctx context.Context, svc *service.Service) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("pm> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Println()
			return nil
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch cmd := fields[0]; cmd {
		case "help":
			printSessionHelp()
		case "exit", "quit":
			return nil
		case "switch":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "switch requires a vault id")
				continue
			}
			handleSessionError(unlock(ctx, svc, fields[1]))
		default:
			handleSessionError(dispatch(ctx, svc, cmd, fields[1:]))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func handleSessionError(err error) {
	if err == nil {
		return
	}
	if msg, ok := describe(err); ok {
		fmt.Fprintln(os.Stderr, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func dispatch(ctx context.Context, svc *service.Service, cmd string, args []string) error {
	switch cmd {
	case "add":
		return sessionAdd(ctx, svc, args)
	case "get":
		return sessionGet(ctx, svc, args)
	case "list":
		return sessionList(ctx, svc, "")
	case "search":
		if len(args) != 1 {
			return userError{msg: "search requires one query"}
		}
		return sessionList(ctx, svc, args[0])
	case "update":
		return sessionUpdate(ctx, svc, args)
	case "delete":
		id, err := idArg(args)
		if err != nil {
			return err
		}
		return svc.DeleteCredential(ctx, id)
	case "rule":
		return sessionRule(ctx, svc, args)
	case "totp":
		return sessionTOTP(ctx, svc, args)
	case "transfer":
		return sessionTransfer(ctx, svc, args)
	case "breach":
		return sessionBreach(ctx, svc)
	case "backup":
		return sessionBackup(ctx, svc, args)
	}
	return userError{msg: fmt.Sprintf("unknown command: %s", cmd)}
}

func credentialFlags(name string) (*flag.FlagSet, *vault.PlainCredential) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var p vault.PlainCredential
	fs.StringVar(&p.Title, "title", "", "title")
	fs.StringVar(&p.Username, "user", "", "username")
	fs.StringVar(&p.Category, "category", "", "category")
	fs.StringVar(&p.Notes, "notes", "", "notes")
	return fs, &p
}

func sessionAdd(ctx context.Context, svc *service.Service, args []string) error {
	fs, p := credentialFlags("add")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if p.Title == "" {
		return userError{msg: "add requires --title"}
	}
	secret, err := promptNewPassword("secret")
	if err != nil {
		return err
	}
	p.Password = secret

	if score := svc.PasswordStrength(secret); score < 2 {
		fmt.Fprintf(os.Stderr, "warning: weak password (score %d/4)\n", score)
	}
	id, err := svc.AddCredential(ctx, *p)
	if err != nil {
		return err
	}
	fmt.Printf("stored credential %s (id=%d)\n", p.Title, id)
	return nil
}

func sessionUpdate(ctx context.Context, svc *service.Service, args []string) error {
	fs, p := credentialFlags("update")
	id := fs.Int64("id", 0, "credential id")
	newSecret := fs.Bool("password", false, "prompt for a new password")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *id == 0 || p.Title == "" {
		return userError{msg: "update requires --id and --title"}
	}
	if *newSecret {
		secret, err := promptNewPassword("new secret")
		if err != nil {
			return err
		}
		p.Password = secret
	}
	return svc.UpdateCredential(ctx, *id, *p)
}

func sessionGet(ctx context.Context, svc *service.Service, args []string) error {
	id, err := idArg(args)
	if err != nil {
		return err
	}
	pw, err := svc.GetPassword(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(pw)
	return nil
}

func sessionList(ctx context.Context, svc *service.Service, query string) error {
	list, err := svc.SearchCredentials(ctx, query)
	if err != nil {
		return err
	}
	for _, l := range list {
		state := ""
		if l.Locked {
			state = " [locked]"
		}
		fmt.Printf("%5d  %-24s  %-24s  %s%s\n", l.ID, l.Title, l.Username, l.Category, state)
	}
	return nil
}

func sessionRule(ctx context.Context, svc *service.Service, args []string) error {
	const usage = "Usage: rule <set --id ID --days mon,fri --start HH:MM --end HH:MM [--action hide|lock]|clear --id ID|show --id ID>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	fs := flag.NewFlagSet("rule "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int64("id", 0, "credential id")
	days := fs.String("days", "weekdays", "allowed days")
	start := fs.String("start", "09:00", "window start")
	end := fs.String("end", "17:00", "window end")
	action := fs.String("action", string(schedule.ActionLock), "hide or lock")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}
	if *id == 0 {
		return userError{msg: usage}
	}

	switch args[0] {
	case "set":
		weekdays, err := schedule.ParseDayNames(*days)
		if err != nil {
			return err
		}
		return svc.SetRule(ctx, schedule.Rule{
			CredentialID: *id,
			Enabled:      true,
			Schedule:     schedule.Schedule{Days: weekdays, Start: *start, End: *end},
			Action:       schedule.Action(*action),
		})
	case "clear":
		return svc.ClearRule(ctx, *id)
	case "show":
		rule, err := svc.GetRule(ctx, *id)
		if err != nil {
			return err
		}
		if rule == nil {
			fmt.Println("no rule")
			return nil
		}
		res := schedule.Evaluate(rule, time.Now())
		fmt.Printf("days=%s %s-%s action=%s accessible=%t (%s)\n",
			schedule.FormatDays(rule.Schedule.Days), rule.Schedule.Start, rule.Schedule.End, rule.Action, res.Accessible, res.Reason)
		return nil
	}
	return userError{msg: usage}
}

func sessionTOTP(ctx context.Context, svc *service.Service, args []string) error {
	const usage = "Usage: totp <add --uri URI|add --name N [--issuer I] [--generate]|list|code ID|uri ID|delete ID>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("totp add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		uri := fs.String("uri", "", "otpauth:// URI")
		name := fs.String("name", "", "account name")
		issuer := fs.String("issuer", "", "issuer")
		generate := fs.Bool("generate", false, "generate a new secret")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		var (
			id  int64
			err error
		)
		if *uri != "" {
			id, err = svc.AddTOTPURI(ctx, *uri)
		} else {
			e := totp.Entry{Name: *name, Issuer: *issuer}
			if *generate {
				e.Secret, err = svc.GenerateTOTPSecret()
			} else {
				e.Secret, err = promptString("Base32 secret: ")
			}
			if err != nil {
				return err
			}
			id, err = svc.AddTOTP(ctx, e)
		}
		if err != nil {
			return err
		}
		fmt.Printf("stored totp entry (id=%d)\n", id)
		return nil
	case "list":
		entries, err := svc.ListTOTP(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%5d  %-20s  %-24s  %s/%d/%ds\n", e.ID, e.Issuer, e.Name, e.Algorithm, e.Digits, e.Period)
		}
		return nil
	case "code":
		id, err := idArg(args[1:])
		if err != nil {
			return err
		}
		code, err := svc.TOTPCode(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%ds left)\n", code.Code, code.Remaining)
		return nil
	case "uri":
		id, err := idArg(args[1:])
		if err != nil {
			return err
		}
		uri, err := svc.TOTPURI(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(uri)
		return nil
	case "delete":
		id, err := idArg(args[1:])
		if err != nil {
			return err
		}
		return svc.DeleteTOTP(ctx, id)
	}
	return userError{msg: usage}
}

func sessionTransfer(ctx context.Context, svc *service.Service, args []string) error {
	const usage = "Usage: transfer <export [--ids 1,2]|import --file F>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	fs := flag.NewFlagSet("transfer "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	idList := fs.String("ids", "", "comma separated credential ids (default all)")
	file := fs.String("file", "", "file with one chunk per line")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "export":
		var ids []int64
		for _, p := range strings.Split(*idList, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			id, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return userError{msg: fmt.Sprintf("invalid id %q", p)}
			}
			ids = append(ids, id)
		}
		pw, err := promptNewPassword("transfer password")
		if err != nil {
			return err
		}
		chunks, err := svc.ExportTransfer(ctx, pw, ids)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			fmt.Println(c)
		}
		return nil
	case "import":
		if *file == "" {
			return userError{msg: "import requires --file"}
		}
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open chunks: %w", err)
		}
		defer f.Close()
		chunks, err := svc.CollectTransfer(ctx, transfer.NewLineSource(f), func(have, want int) {
			fmt.Fprintf(os.Stderr, "\rchunks %d/%d", have, want)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		pw, err := promptString("Transfer password: ")
		if err != nil {
			return err
		}
		n, err := svc.ImportTransfer(ctx, chunks, pw)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d records\n", n)
		return nil
	}
	return userError{msg: usage}
}

func sessionBreach(ctx context.Context, svc *service.Service) error {
	results, err := svc.CheckBreaches(ctx, func(done, total int) {
		fmt.Fprintf(os.Stderr, "\rchecked %d/%d", done, total)
	})
	fmt.Fprintln(os.Stderr)
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Printf("%5d  %-24s  unknown (%v)\n", r.ID, r.Label, r.Err)
		case r.Found:
			fmt.Printf("%5d  %-24s  BREACHED (%d occurrences)\n", r.ID, r.Label, r.Count)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d passwords checked\n", len(results))
	return nil
}

func sessionBackup(ctx context.Context, svc *service.Service, args []string) error {
	const usage = "Usage: backup <export --file F|restore --file F --from VAULT_ID>"
	if len(args) < 1 {
		return userError{msg: usage}
	}
	fs := flag.NewFlagSet("backup "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "backup file")
	from := fs.String("from", "", "vault id inside the backup")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}
	if *file == "" {
		return userError{msg: usage}
	}

	switch args[0] {
	case "export":
		data, problems, err := svc.ExportBackup(ctx)
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, "warning: "+p)
		}
		if err := os.WriteFile(*file, data, 0o600); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
		fmt.Printf("backup written to %s\n", *file)
		return nil
	case "restore":
		if *from == "" {
			return userError{msg: usage}
		}
		pw, err := promptString("Master password of the backed up vault: ")
		if err != nil {
			return err
		}
		n, err := svc.RestoreBackup(ctx, *file, *from, pw)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d records\n", n)
		return nil
	}
	return userError{msg: usage}
}

func idArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, userError{msg: "expected one numeric id"}
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, userError{msg: fmt.Sprintf("invalid id %q", args[0])}
	}
	return id, nil
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add --title <title> [--user <username>] [--category <c>] [--notes <n>]")
	fmt.Println("  get <id>")
	fmt.Println("  list | search <query>")
	fmt.Println("  update --id <id> --title <title> [--user ..] [--password]")
	fmt.Println("  delete <id>")
	fmt.Println("  rule set|clear|show --id <id> [--days mon,fri] [--start HH:MM] [--end HH:MM] [--action hide|lock]")
	fmt.Println("  totp add|list|code|uri|delete")
	fmt.Println("  transfer export [--ids 1,2] | transfer import --file <chunks>")
	fmt.Println("  breach")
	fmt.Println("  backup export --file <f> | backup restore --file <f> --from <vault-id>")
	fmt.Println("  switch <vault-id>")
	fmt.Println("  exit | quit")
}
