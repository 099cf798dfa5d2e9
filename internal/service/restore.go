package service

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yourname/smsvault/internal/auth"
	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
	"github.com/yourname/smsvault/internal/state"
)

// clearCacheEvery is how many items a restore processes before dropping
// the converter's lookup caches.
const clearCacheEvery = 50

// RestoreConfig selects what one restore run covers.
type RestoreConfig struct {
	// Types are the enabled restore types; only SMS and call log are
	// restorable.
	Types []record.DataType
	// MaxItems caps candidates per type; <= 0 means unbounded.
	MaxItems int
	// StarredOnly restores only flagged messages.
	StarredOnly bool
}

// RestoreResult is the final tally of one run. Duplicates is derived:
// candidates minus actually restored items.
type RestoreResult struct {
	Candidates int
	Restored   int
	Duplicates int
	Ignored    int
}

// RestoreTask is one restore run: LOGIN, CALC, RESTORE, optional
// UPDATING_THREADS, then a terminal state. A task is single-use.
type RestoreTask struct {
	notifier

	local   LocalStore
	connect RestoreStoreConnector
	conv    *smail.Converter
	st      *state.State
	tokens  auth.TokenProvider
	cfg     RestoreConfig
	log     *zap.Logger
}

func NewRestoreTask(local LocalStore, connect RestoreStoreConnector, conv *smail.Converter,
	st *state.State, tokens auth.TokenProvider, cfg RestoreConfig, log *zap.Logger) *RestoreTask {
	if len(cfg.Types) == 0 {
		cfg.Types = []record.DataType{record.SMS}
	}
	return &RestoreTask{
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

// Run executes the restore with the same one-shot token refresh policy as
// backup.
func (r *RestoreTask) Run(ctx context.Context) (RestoreResult, error) {
	defer close(r.events)

	res, err := r.runOnce(ctx)
	var tokenErr *auth.TokenAuthError
	if err != nil && r.tokens != nil && errors.As(err, &tokenErr) && tokenErr.TokenRejected() {
		r.log.Info("access token rejected, refreshing and retrying once")
		r.tokens.Invalidate()
		res, err = r.runOnce(ctx)
	}
	switch {
	case err == nil:
		r.emit(Event{State: StateFinished, Current: res.Restored, Total: res.Candidates})
	case errors.Is(err, context.Canceled):
		r.emit(Event{State: StateCanceled, Current: res.Restored, Total: res.Candidates})
	default:
		r.emit(Event{State: StateError, Err: err})
	}
	return res, err
}

func (r *RestoreTask) runOnce(ctx context.Context) (res RestoreResult, err error) {
	// Watermarks advanced for confirmed inserts survive any abort.
	defer func() {
		if saveErr := r.st.Save(r.st.Path()); saveErr != nil && err == nil {
			err = errors.Wrap(saveErr, "save state")
		}
	}()

	r.emit(Event{State: StateLogin})
	store, err := r.connect(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = store.Logout() }()

	r.emit(Event{State: StateCalc})
	type typed struct {
		t record.DataType
		c Candidate
	}
	var queue []typed
	for _, t := range r.cfg.Types {
		cands, err := store.Candidates(t, r.cfg.MaxItems, r.cfg.StarredOnly)
		if err != nil {
			return res, errors.Wrapf(err, "list %s candidates", t)
		}
		for _, c := range cands {
			queue = append(queue, typed{t: t, c: c})
		}
	}
	res.Candidates = len(queue)
	res.Duplicates = res.Candidates

	r.emit(Event{State: StateRestore, Total: res.Candidates})
	smsInserted := 0
	canceled := false
	for i, item := range queue {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		raw, err := item.c.Fetch()
		if err != nil {
			return res, errors.Wrap(err, "fetch message")
		}
		inserted, wasSms, err := r.restoreOne(ctx, raw)
		if err != nil {
			// Foreign or damaged messages in the folder are skipped, the
			// same as any other per-message failure.
			r.log.Warn("skipping unrestorable message", zap.Error(err))
			res.Ignored++
		} else if inserted {
			res.Restored++
			res.Duplicates--
			if wasSms {
				smsInserted++
			}
		}
		if (i+1)%clearCacheEvery == 0 {
			r.conv.ClearCaches()
		}
		r.emit(Event{State: StateRestore, Type: item.t, Current: i + 1, Total: res.Candidates})
	}

	if !canceled && smsInserted > 0 {
		r.emit(Event{State: StateUpdatingThreads})
		if err := r.local.UpdateAllThreads(ctx); err != nil {
			return res, errors.Wrap(err, "update threads")
		}
	}
	if canceled {
		return res, ctx.Err()
	}
	return res, nil
}

// restoreOne parses and inserts one message. inserted is false for
// duplicates and for subtypes that are deliberately not restored.
func (r *RestoreTask) restoreOne(ctx context.Context, raw []byte) (inserted, wasSms bool, err error) {
	p, err := smail.Parse(bytes.NewReader(raw))
	if err != nil {
		return false, false, err
	}
	rec, err := r.conv.RestoreRecord(p)
	if err != nil {
		return false, false, err
	}
	switch rec.Type {
	case record.SMS:
		// Only inbox and sent messages come back; restoring anything
		// else could re-trigger an outgoing send.
		switch rec.GetInt(record.FieldType) {
		case record.SmsTypeInbox, record.SmsTypeSent:
		default:
			return false, false, nil
		}
		exists, err := r.local.SmsExists(ctx, rec)
		if err != nil {
			return false, false, err
		}
		if exists {
			return false, false, nil
		}
		if _, err := r.local.InsertSms(ctx, rec); err != nil {
			return false, false, err
		}
		r.st.SetMaxSynced(record.SMS, rec.DateMillis())
		return true, true, nil
	case record.CallLog:
		exists, err := r.local.CallLogExists(ctx, rec)
		if err != nil {
			return false, false, err
		}
		if exists {
			return false, false, nil
		}
		if _, err := r.local.InsertCall(ctx, rec); err != nil {
			return false, false, err
		}
		r.st.SetMaxSynced(record.CallLog, rec.DateMillis())
		return true, false, nil
	default:
		return false, false, errors.Errorf("don't know how to restore %s", rec.Type)
	}
}
