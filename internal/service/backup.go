package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yourname/smsvault/internal/auth"
	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
	"github.com/yourname/smsvault/internal/state"
)

// BackupConfig selects what one backup run covers.
type BackupConfig struct {
	// Types are the enabled data types. Fetch priority follows
	// record.BackupOrder regardless of the order given here.
	Types []record.DataType
	// MaxItems caps the shared batch budget; <= 0 means unbounded.
	MaxItems int
	// AllowedContactIDs limits SMS backup to these contacts. nil backs
	// up everyone; sent messages always pass.
	AllowedContactIDs []int64
	// Skip marks everything as backed up without uploading anything.
	Skip bool
}

// BackupResult is the final tally of one run.
type BackupResult struct {
	Backed  int
	PerType map[record.DataType]int
}

// BackupTask is one backup run: INITIAL, CALC, LOGIN, BACKUP, then a
// terminal state. A task is single-use.
type BackupTask struct {
	notifier

	local   LocalStore
	connect MailStoreConnector
	conv    *smail.Converter
	st      *state.State
	tokens  auth.TokenProvider // nil disables the refresh-and-retry cycle
	cfg     BackupConfig
	log     *zap.Logger
}

func NewBackupTask(local LocalStore, connect MailStoreConnector, conv *smail.Converter,
	st *state.State, tokens auth.TokenProvider, cfg BackupConfig, log *zap.Logger) *BackupTask {
	if len(cfg.Types) == 0 {
		cfg.Types = []record.DataType{record.SMS, record.MMS}
	}
	return &BackupTask{
		notifier: newNotifier(),
		local:    local,
		connect:  connect,
		conv:     conv,
		st:       st,
		tokens:   tokens,
		cfg:      cfg,
		log:      log,
	}
}

// Run executes the backup. A rejected access token triggers exactly one
// refresh-and-retry cycle; any other failure ends the run.
func (b *BackupTask) Run(ctx context.Context) (BackupResult, error) {
	defer close(b.events)

	res, err := b.runOnce(ctx)
	var tokenErr *auth.TokenAuthError
	if err != nil && b.tokens != nil && errors.As(err, &tokenErr) && tokenErr.TokenRejected() {
		b.log.Info("access token rejected, refreshing and retrying once")
		b.tokens.Invalidate()
		res, err = b.runOnce(ctx)
	}
	switch {
	case err == nil:
		b.emit(Event{State: StateFinished, Current: res.Backed, Total: res.Backed})
	case errors.Is(err, context.Canceled):
		b.emit(Event{State: StateCanceled, Current: res.Backed})
	default:
		b.emit(Event{State: StateError, Err: err})
	}
	return res, err
}

func (b *BackupTask) runOnce(ctx context.Context) (res BackupResult, err error) {
	res = BackupResult{PerType: make(map[record.DataType]int)}
	b.emit(Event{State: StateInitial})

	// Watermarks already advanced for confirmed appends must survive any
	// abort, so the state is persisted no matter how the run ends.
	defer func() {
		if saveErr := b.st.Save(b.st.Path()); saveErr != nil && err == nil {
			err = errors.Wrap(saveErr, "save state")
		}
	}()

	if b.cfg.Skip {
		return res, b.skip(ctx)
	}

	b.emit(Event{State: StateCalc})
	fetcher := NewBulkFetcher(b.local, b.st, b.cfg.AllowedContactIDs)
	batches, total, err := fetcher.Fetch(ctx, b.cfg.Types, b.cfg.MaxItems)
	if err != nil {
		return res, errors.Wrap(err, "fetch items")
	}
	if total == 0 {
		// Nothing to do. On the very first run still write the sentinel
		// watermarks so later runs do not detect a first run again.
		if b.st.FirstBackup() {
			for _, t := range b.cfg.Types {
				b.st.SetMaxSynced(t, state.NeverSynced)
			}
		}
		return res, nil
	}

	b.emit(Event{State: StateLogin})
	store, err := b.connect(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = store.Logout() }()

	b.emit(Event{State: StateBackup, Total: total})
	folders := make(map[record.DataType]BackupFolder)
	defer func() {
		for _, f := range folders {
			_ = f.Close()
		}
	}()

	cursors := NewItemCursors(batches)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, ok := cursors.Next()
		if !ok {
			break
		}
		msg, err := b.conv.Convert(rec)
		if err != nil {
			b.log.Warn("conversion failed, skipping item",
				zap.String("type", string(rec.Type)), zap.Error(err))
			total--
			b.emit(Event{State: StateBackup, Type: rec.Type, Current: res.Backed, Total: total})
			continue
		}
		if msg == nil {
			// dropped by policy; the item no longer counts toward the goal
			total--
			b.emit(Event{State: StateBackup, Type: rec.Type, Current: res.Backed, Total: total})
			continue
		}
		folder, err := b.folder(store, folders, rec.Type)
		if err != nil {
			return res, err
		}
		if err := folder.Append(msg); err != nil {
			return res, errors.Wrapf(err, "append %s message", rec.Type)
		}
		// The watermark only moves after the remote write is confirmed.
		b.st.SetMaxSynced(rec.Type, rec.DateMillis())
		res.Backed++
		res.PerType[rec.Type]++
		b.emit(Event{State: StateBackup, Type: rec.Type, Current: res.Backed, Total: total})
	}
	return res, nil
}

func (b *BackupTask) folder(store MailStore, open map[record.DataType]BackupFolder, t record.DataType) (BackupFolder, error) {
	if f, ok := open[t]; ok {
		return f, nil
	}
	f, err := store.Folder(t)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s folder", t)
	}
	open[t] = f
	return f, nil
}

// skip writes the newest local timestamps as watermarks without talking
// to the mail store at all.
func (b *BackupTask) skip(ctx context.Context) error {
	for _, t := range b.cfg.Types {
		ts, err := b.local.MostRecentTimestamp(ctx, t)
		if err != nil {
			return errors.Wrapf(err, "most recent %s timestamp", t)
		}
		b.st.SetMaxSynced(t, ts)
	}
	return nil
}
