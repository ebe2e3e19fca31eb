package bcfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bcfeed/internal/gmail"
	"bcfeed/internal/notify"
	"bcfeed/internal/storage"
)

// ErrAlreadyRunning is returned when a populate is requested while another
// run holds the process-wide populate lock.
var ErrAlreadyRunning = errors.New("another populate is already running")

// CapReachedMarker prefixes the progress line emitted when a run stops at the
// maximum-results cap. The dashboard keys on it to distinguish a capped run
// from full completion.
const CapReachedMarker = "Maximum results reached"

// PopulateRun is a populate in flight. Progress carries ordered status lines
// and is closed when the run terminates; Wait blocks until then.
type PopulateRun struct {
	Progress <-chan string

	done   chan struct{}
	result PopulateResult
	err    error
}

// Wait blocks until the run terminates and returns its summary. A non-nil
// error means the run aborted; a cap-reached stop is not an error.
func (r *PopulateRun) Wait() (PopulateResult, error) {
	<-r.done
	return r.result, r.err
}

// PopulateRange starts an orchestration over the inclusive day range. At most
// one run exists process-wide; a second request fails fast with
// ErrAlreadyRunning. The run owns ctx for its whole life: cancelling it
// aborts the run, but a disconnected progress consumer does not.
func (e *Engine) PopulateRange(ctx context.Context, start, end time.Time, maxResults int) (*PopulateRun, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start date must be on or before end date")
	}

	if !e.populateMu.TryLock() {
		return nil, ErrAlreadyRunning
	}

	if e.source == nil {
		client, err := gmail.NewClient(ctx, e.creds)
		if err != nil {
			e.populateMu.Unlock()
			return nil, err
		}
		e.source = client
	}

	limit := maxResults
	if limit <= 0 || limit > e.cfg.MaxResults {
		limit = e.cfg.MaxResults
	}

	progress := make(chan string, 16)
	run := &PopulateRun{Progress: progress, done: make(chan struct{})}

	go func() {
		defer e.populateMu.Unlock()
		defer close(run.done)
		defer close(progress)
		run.result, run.err = e.runPopulate(ctx, start, end, limit, func(line string) {
			progress <- line
		})
	}()
	return run, nil
}

// runPopulate walks the range day by day in ascending order. Days already in
// the ledger are skipped without network access. A day is marked scraped only
// after every one of its messages parsed cleanly; a fatal source error or the
// result cap leaves the current day unscraped so a retry re-attempts it.
func (e *Engine) runPopulate(ctx context.Context, start, end time.Time, limit int, emit func(string)) (PopulateResult, error) {
	var res PopulateResult
	today := isoDay(time.Now())

	emit(fmt.Sprintf("Populating %s to %s...", isoDay(start), isoDay(end)))

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dayStr := isoDay(day)

		scraped, err := e.store.IsScraped(dayStr)
		if err != nil {
			emit("ERROR: " + err.Error())
			return res, err
		}
		if scraped && dayStr != today {
			emit(fmt.Sprintf("%s already scraped; skipping.", dayStr))
			res.DaysSkipped++
			continue
		}

		emit(fmt.Sprintf("Querying mail for %s...", dayStr))
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		messages, err := e.source.MessagesForDay(fetchCtx, day)
		cancel()
		if err != nil {
			emit("ERROR: " + err.Error())
			return res, fmt.Errorf("fetch messages for %s: %w", dayStr, err)
		}

		if len(messages) == 0 {
			emit(fmt.Sprintf("No messages found for %s.", dayStr))
		} else {
			emit(fmt.Sprintf("Found %d messages for %s.", len(messages), dayStr))
		}

		stored := 0
		capped := false
		for _, msg := range messages {
			parsed := notify.Parse(msg.HTML, msg.Subject)
			if parsed == nil {
				continue
			}
			date := dayStr
			if !msg.Date.IsZero() {
				date = isoDay(msg.Date)
			}
			isTrack := parsed.IsTrack
			record := &storage.Release{
				Identity: IdentityFor(parsed.URL, parsed.PageName, parsed.Artist, parsed.Title, date),
				PageName: parsed.PageName,
				Artist:   parsed.Artist,
				Title:    parsed.Title,
				URL:      parsed.URL,
				Date:     date,
				IsTrack:  &isTrack,
			}
			if _, err := e.store.UpsertRelease(record); err != nil {
				emit("ERROR: " + err.Error())
				return res, err
			}
			stored++
			res.ReleasesStored++
			if res.ReleasesStored >= limit {
				capped = true
				break
			}
		}

		if stored > 0 {
			emit(fmt.Sprintf("Stored %d releases for %s.", stored, dayStr))
		}

		if capped {
			res.CapReached = true
			emit(fmt.Sprintf("%s (%d); stopping. %s is left unscraped.", CapReachedMarker, limit, dayStr))
			return res, nil
		}

		if dayStr == today {
			emit(fmt.Sprintf("%s is today; leaving it unscraped so later mail is picked up.", dayStr))
			continue
		}
		if err := e.store.MarkScraped(dayStr); err != nil {
			emit("ERROR: " + err.Error())
			return res, err
		}
		res.DaysScraped++
	}

	emit(fmt.Sprintf("Populate completed. %d releases stored.", res.ReleasesStored))
	return res, nil
}
