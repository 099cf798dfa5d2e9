package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/yourname/smsvault/internal/archive"
	"github.com/yourname/smsvault/internal/auth"
	"github.com/yourname/smsvault/internal/contacts"
	"github.com/yourname/smsvault/internal/imapstore"
	"github.com/yourname/smsvault/internal/localstore"
	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
	"github.com/yourname/smsvault/internal/service"
	"github.com/yourname/smsvault/internal/state"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	// .env is optional; flags and real env win.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "smsvault",
		Short: "smsvault - back up SMS, MMS and call logs to IMAP and restore them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("smsvault %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up new messages and calls to the mail store",
		RunE:  runBackup,
	}
	addCommonFlags(backupCmd)
	addBackupFlags(backupCmd)
	rootCmd.AddCommand(backupCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore backed up messages and calls into local storage",
		RunE:  runRestore,
	}
	addCommonFlags(restoreCmd)
	addRestoreFlags(restoreCmd)
	rootCmd.AddCommand(restoreCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	// IMAP account
	host       string
	port       int
	user       string
	pass       string
	passPrompt bool
	insecure   bool
	startTLS   bool

	// OAuth (refresh only; acquisition happens elsewhere)
	oauthClientID     string
	oauthClientSecret string
	oauthRefreshToken string
	oauthTokenURL     string
	accessToken       string

	// Local MBOX archive instead of IMAP
	mboxPath string

	// Local storage and sync state
	dbPath    string
	stateFile string

	// Folders
	smsFolder     string
	callLogFolder string

	// Conversion
	types         []string
	userEmail     string
	addressStyle  string
	subjectPrefix bool
	markRead      string

	callTypes string

	maxItems int
	verbose  bool
	noTUI    bool

	// backup only
	skip            bool
	allowedContacts []int64

	// restore only
	starredOnly   bool
	markReadOnRes bool
}

func addCommonFlags(cmd *cobra.Command) {
	o := &options{}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&o.host, "host", envOr("SMSVAULT_IMAP_HOST", "imap.gmail.com"), "IMAP host")
	cmd.Flags().IntVar(&o.port, "port", 993, "IMAP port")
	cmd.Flags().StringVar(&o.user, "user", os.Getenv("SMSVAULT_IMAP_USER"), "IMAP username")
	cmd.Flags().StringVar(&o.pass, "pass", os.Getenv("SMSVAULT_IMAP_PASS"), "IMAP password")
	cmd.Flags().BoolVar(&o.passPrompt, "pass-prompt", false, "Prompt for IMAP password (no echo)")
	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "Skip TLS verification")
	cmd.Flags().BoolVar(&o.startTLS, "starttls", false, "Use STARTTLS instead of implicit TLS")

	cmd.Flags().StringVar(&o.oauthClientID, "oauth-client-id", os.Getenv("SMSVAULT_OAUTH_CLIENT_ID"), "OAuth client id")
	cmd.Flags().StringVar(&o.oauthClientSecret, "oauth-client-secret", os.Getenv("SMSVAULT_OAUTH_CLIENT_SECRET"), "OAuth client secret")
	cmd.Flags().StringVar(&o.oauthRefreshToken, "oauth-refresh-token", os.Getenv("SMSVAULT_OAUTH_REFRESH_TOKEN"), "OAuth refresh token")
	cmd.Flags().StringVar(&o.oauthTokenURL, "oauth-token-url", "https://oauth2.googleapis.com/token", "OAuth token endpoint")
	cmd.Flags().StringVar(&o.accessToken, "access-token", "", "Use a fixed OAuth access token (no refresh)")

	cmd.Flags().StringVar(&o.mboxPath, "mbox", "", "Use a local MBOX archive instead of IMAP")

	cmd.Flags().StringVar(&o.dbPath, "db", envOr("SMSVAULT_DB", "smsvault.db"), "Path to the local message database")
	cmd.Flags().StringVar(&o.stateFile, "state-file", "smsvault-state.json", "Path to sync state JSON")

	cmd.Flags().StringVar(&o.smsFolder, "folder", record.InfoFor(record.SMS).DefaultFolder, "Folder for SMS and MMS backups")
	cmd.Flags().StringVar(&o.callLogFolder, "calllog-folder", record.InfoFor(record.CallLog).DefaultFolder, "Folder for call log backups")

	cmd.Flags().StringVar(&o.userEmail, "email", "", "Own email address used in From/To (defaults to the IMAP user)")
	cmd.Flags().StringVar(&o.addressStyle, "address-style", "name", "Contact rendering: name, name-and-number or number")
	cmd.Flags().BoolVar(&o.subjectPrefix, "subject-prefix", false, "Prefix subjects with the folder name instead of the type")
	cmd.Flags().StringVar(&o.callTypes, "calllog-types", "everything", "Call types to back up: everything, missed, incoming, outgoing or incoming-outgoing")

	cmd.Flags().IntVar(&o.maxItems, "max", 0, "Batch cap per run (0 = unbounded)")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Log to the console instead of showing the TUI")
	cmd.Flags().BoolVar(&o.noTUI, "no-tui", false, "Disable the progress TUI")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, o))
		return nil
	}
}

func addBackupFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSlice("types", []string{"sms", "mms"}, "Data types to back up: sms, mms, calllog")
	flags.String("mark-read", "message-status", "Read flag policy for backed up messages: always, never or message-status")
	flags.Bool("skip", false, "Mark everything as backed up without uploading")
	flags.Int64Slice("contacts", nil, "Restrict SMS backup to these contact ids")
}

func addRestoreFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSlice("types", []string{"sms"}, "Data types to restore: sms, calllog")
	flags.Bool("starred-only", false, "Restore only flagged messages")
	flags.Bool("mark-read", false, "Mark restored messages as read regardless of their backup state")
}

type ctxKey struct{}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolve finishes and validates the options. Configuration problems are
// reported here, before anything connects or runs.
func (o *options) resolve(cmd *cobra.Command, restore bool) error {
	types, _ := cmd.Flags().GetStringSlice("types")
	o.types = types
	if !restore {
		o.markRead, _ = cmd.Flags().GetString("mark-read")
		o.skip, _ = cmd.Flags().GetBool("skip")
		o.allowedContacts, _ = cmd.Flags().GetInt64Slice("contacts")
	} else {
		o.markRead = "message-status"
		o.starredOnly, _ = cmd.Flags().GetBool("starred-only")
		o.markReadOnRes, _ = cmd.Flags().GetBool("mark-read")
	}

	if len(o.types) == 0 {
		return fmt.Errorf("nothing to do: no data types enabled")
	}
	for _, t := range o.types {
		if _, err := parseType(t); err != nil {
			return err
		}
	}
	if o.smsFolder == "" || o.callLogFolder == "" {
		return fmt.Errorf("folder names must not be empty")
	}
	switch o.markRead {
	case "always", "never", "message-status":
	default:
		return fmt.Errorf("invalid --mark-read %q (want always, never or message-status)", o.markRead)
	}
	switch o.addressStyle {
	case "name", "name-and-number", "number":
	default:
		return fmt.Errorf("invalid --address-style %q", o.addressStyle)
	}
	switch o.callTypes {
	case "everything", "missed", "incoming", "outgoing", "incoming-outgoing":
	default:
		return fmt.Errorf("invalid --calllog-types %q", o.callTypes)
	}

	// Skip mode and MBOX mode never log in.
	if o.skip || o.mboxPath != "" {
		return nil
	}
	if o.passPrompt && o.pass == "" {
		fmt.Fprint(os.Stderr, "IMAP password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		o.pass = string(b)
	}
	if o.host == "" || o.user == "" {
		return fmt.Errorf("missing required flags: --host, --user")
	}
	if o.pass == "" && o.accessToken == "" && o.oauthRefreshToken == "" {
		return fmt.Errorf("no credentials: set --pass, --access-token or --oauth-refresh-token")
	}
	if o.oauthRefreshToken != "" && o.oauthClientID == "" {
		return fmt.Errorf("--oauth-refresh-token requires --oauth-client-id")
	}
	if o.userEmail == "" {
		o.userEmail = o.user
	}
	return nil
}

func parseType(s string) (record.DataType, error) {
	switch strings.ToLower(s) {
	case "sms":
		return record.SMS, nil
	case "mms":
		return record.MMS, nil
	case "calllog", "calls":
		return record.CallLog, nil
	}
	return "", fmt.Errorf("unknown data type %q (want sms, mms or calllog)", s)
}

func (o *options) dataTypes() []record.DataType {
	var out []record.DataType
	for _, s := range o.types {
		t, _ := parseType(s)
		out = append(out, t)
	}
	return out
}

func (o *options) folderFor(t record.DataType) string {
	if t == record.CallLog {
		return o.callLogFolder
	}
	return o.smsFolder
}

func (o *options) markReadPolicy() smail.MarkAsRead {
	switch o.markRead {
	case "always":
		return smail.MarkReadAlways
	case "never":
		return smail.MarkReadNever
	default:
		return smail.MarkReadMessageStatus
	}
}

func (o *options) callLogFilter() smail.CallLogFilter {
	switch o.callTypes {
	case "missed":
		return smail.CallsMissed
	case "incoming":
		return smail.CallsIncoming
	case "outgoing":
		return smail.CallsOutgoing
	case "incoming-outgoing":
		return smail.CallsIncomingOutgoing
	default:
		return smail.CallsEverything
	}
}

func (o *options) style() contacts.AddressStyle {
	switch o.addressStyle {
	case "number":
		return contacts.StyleNumber
	case "name-and-number":
		return contacts.StyleNameAndNumber
	default:
		return contacts.StyleName
	}
}

func (o *options) logger() (*zap.Logger, error) {
	if o.verbose {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	if o.noTUI {
		return zap.NewProduction()
	}
	// The TUI owns the terminal.
	return zap.NewNop(), nil
}

func (o *options) tokens() auth.TokenProvider {
	switch {
	case o.accessToken != "":
		return auth.StaticToken(o.accessToken)
	case o.oauthRefreshToken != "":
		cfg := &oauth2.Config{
			ClientID:     o.oauthClientID,
			ClientSecret: o.oauthClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: o.oauthTokenURL},
		}
		return auth.NewRefresher(cfg, o.oauthRefreshToken)
	default:
		return nil
	}
}

func (o *options) imapConfig(tokens auth.TokenProvider) imapstore.Config {
	return imapstore.Config{
		Host:     o.host,
		Port:     o.port,
		User:     o.user,
		Password: o.pass,
		Tokens:   tokens,
		StartTLS: o.startTLS,
		TLS:      &tls.Config{InsecureSkipVerify: o.insecure},
	}
}

// converter assembles the record<->message codec from the options.
func (o *options) converter(local *localstore.Store, st *state.State, log *zap.Logger) *smail.Converter {
	lookup := contacts.NewPersonLookup(local, log)
	headers := smail.NewHeaderGenerator(st.ReferenceToken(), version)
	var allowed smail.AllowList
	if len(o.allowedContacts) > 0 {
		allowed = make(smail.AllowList, len(o.allowedContacts))
		for _, id := range o.allowedContacts {
			allowed[fmt.Sprintf("%d", id)] = true
		}
	}
	gen := smail.NewGenerator(smail.GeneratorConfig{
		UserAddress:   &gomail.Address{Address: o.userEmail},
		AddressStyle:  o.style(),
		SubjectPrefix: o.subjectPrefix,
		Allowed:       allowed,
		CallLogTypes:  o.callLogFilter(),
	}, headers, lookup, local, log)
	return smail.NewConverter(gen, lookup, o.markReadPolicy(), o.markReadOnRes, local, log)
}

func runBackup(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*options)
	if err := o.resolve(cmd, false); err != nil {
		return err
	}
	log, err := o.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := state.Load(o.stateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	local, err := localstore.Open(ctx, o.dbPath)
	if err != nil {
		return err
	}
	defer local.Close()

	tokens := o.tokens()
	connect := o.backupConnector(tokens, log)
	task := service.NewBackupTask(local, connect, o.converter(local, st, log), st, tokens, service.BackupConfig{
		Types:             o.dataTypes(),
		MaxItems:          o.maxItems,
		AllowedContactIDs: o.allowedContacts,
		Skip:              o.skip,
	}, log)

	coord := service.NewCoordinator(o.stateFile + ".lock")
	if err := coord.Begin(); err != nil {
		return err
	}
	defer coord.End()

	g, ctx := errgroup.WithContext(ctx)
	var res service.BackupResult
	g.Go(func() error {
		var err error
		res, err = task.Run(ctx)
		return err
	})
	if err := o.observe(cancel, task.Events(), log); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			fmt.Printf("Canceled after %d item(s)\n", res.Backed)
			return nil
		}
		return err
	}
	fmt.Printf("Backed up %d item(s)\n", res.Backed)
	for _, t := range record.BackupOrder {
		if n := res.PerType[t]; n > 0 {
			fmt.Printf("  %s: %d\n", t, n)
		}
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*options)
	if err := o.resolve(cmd, true); err != nil {
		return err
	}
	for _, t := range o.dataTypes() {
		if t == record.MMS {
			return fmt.Errorf("mms cannot be restored")
		}
	}
	log, err := o.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := state.Load(o.stateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	local, err := localstore.Open(ctx, o.dbPath)
	if err != nil {
		return err
	}
	defer local.Close()

	tokens := o.tokens()
	connect := o.restoreConnector(tokens, log)
	task := service.NewRestoreTask(local, connect, o.converter(local, st, log), st, tokens, service.RestoreConfig{
		Types:       o.dataTypes(),
		MaxItems:    o.maxItems,
		StarredOnly: o.starredOnly,
	}, log)

	coord := service.NewCoordinator(o.stateFile + ".lock")
	if err := coord.Begin(); err != nil {
		return err
	}
	defer coord.End()

	g, ctx := errgroup.WithContext(ctx)
	var res service.RestoreResult
	g.Go(func() error {
		var err error
		res, err = task.Run(ctx)
		return err
	})
	if err := o.observe(cancel, task.Events(), log); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			fmt.Printf("Canceled after %d item(s)\n", res.Restored)
			return nil
		}
		return err
	}
	fmt.Printf("Restored %d of %d candidate(s), %d duplicate(s)\n", res.Restored, res.Candidates, res.Duplicates)
	return nil
}

// observe drains the event channel into the TUI or plain logs.
func (o *options) observe(cancel context.CancelFunc, events <-chan service.Event, log *zap.Logger) error {
	if o.verbose || o.noTUI {
		for ev := range events {
			if ev.Err != nil {
				log.Error("run failed", zap.String("state", string(ev.State)), zap.Error(ev.Err))
				continue
			}
			log.Info("progress",
				zap.String("state", string(ev.State)),
				zap.String("type", string(ev.Type)),
				zap.Int("current", ev.Current),
				zap.Int("total", ev.Total))
		}
		return nil
	}
	return runTUI(cancel, events)
}

// --- mail store adapters ---

func (o *options) backupConnector(tokens auth.TokenProvider, log *zap.Logger) service.MailStoreConnector {
	if o.mboxPath != "" {
		return func(ctx context.Context) (service.MailStore, error) {
			return mboxMailStore{m: archive.Open(o.mboxPath)}, nil
		}
	}
	cfg := o.imapConfig(tokens)
	folderFor := o.folderFor
	return func(ctx context.Context) (service.MailStore, error) {
		cl, err := imapstore.DialAndLogin(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return &imapMailStore{cl: cl, folderFor: folderFor}, nil
	}
}

type imapMailStore struct {
	cl        *imapstore.Client
	folderFor func(record.DataType) string
}

func (s *imapMailStore) Folder(t record.DataType) (service.BackupFolder, error) {
	return s.cl.OpenFolder(s.folderFor(t))
}

func (s *imapMailStore) Logout() error { return s.cl.Logout() }

type mboxMailStore struct {
	m *archive.Mbox
}

func (s mboxMailStore) Folder(record.DataType) (service.BackupFolder, error) { return s.m, nil }
func (s mboxMailStore) Logout() error                                        { return nil }

func (o *options) restoreConnector(tokens auth.TokenProvider, log *zap.Logger) service.RestoreStoreConnector {
	if o.mboxPath != "" {
		return func(ctx context.Context) (service.RestoreStore, error) {
			return mboxRestoreStore{m: archive.Open(o.mboxPath)}, nil
		}
	}
	cfg := o.imapConfig(tokens)
	folderFor := o.folderFor
	return func(ctx context.Context) (service.RestoreStore, error) {
		cl, err := imapstore.DialAndLogin(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return &imapRestoreStore{cl: cl, folderFor: folderFor}, nil
	}
}

type imapRestoreStore struct {
	cl        *imapstore.Client
	folderFor func(record.DataType) string
	open      []*imapstore.Folder
}

func (s *imapRestoreStore) Candidates(t record.DataType, max int, flaggedOnly bool) ([]service.Candidate, error) {
	f, err := s.cl.OpenFolder(s.folderFor(t))
	if err != nil {
		return nil, err
	}
	s.open = append(s.open, f)
	cands, err := f.Messages(t, max, flaggedOnly, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]service.Candidate, 0, len(cands))
	for _, c := range cands {
		uid := c.UID
		out = append(out, service.Candidate{
			Sent:  c.Sent,
			Fetch: func() ([]byte, error) { return f.FetchBody(uid) },
		})
	}
	return out, nil
}

func (s *imapRestoreStore) Logout() error {
	for _, f := range s.open {
		_ = f.Close()
	}
	return s.cl.Logout()
}

type mboxRestoreStore struct {
	m *archive.Mbox
}

func (s mboxRestoreStore) Candidates(t record.DataType, max int, flaggedOnly bool) ([]service.Candidate, error) {
	entries, err := s.m.Scan(t)
	if err != nil {
		return nil, err
	}
	out := make([]service.Candidate, 0, len(entries))
	for _, e := range entries {
		raw := e.Raw
		var sent time.Time
		if p, err := smail.Parse(strings.NewReader(string(raw))); err == nil {
			if d, err := p.Header.Date(); err == nil {
				sent = d
			}
		}
		out = append(out, service.Candidate{
			Sent:  sent,
			Fetch: func() ([]byte, error) { return raw, nil },
		})
	}
	// Newest first, undated entries last, same order the IMAP path uses.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Sent, out[j].Sent
		switch {
		case b.IsZero():
			return !a.IsZero()
		case a.IsZero():
			return false
		default:
			return a.After(b)
		}
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s mboxRestoreStore) Logout() error { return nil }
