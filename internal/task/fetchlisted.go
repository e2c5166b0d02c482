package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfabric/marketbeat/internal/marketapi"
	"github.com/quantfabric/marketbeat/internal/ratelimit"
	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/token"
)

// FetchListedName is the registry key for the canonical task.
const FetchListedName = "fetch_listed_info"

// RateLimitBucket is the named bucket gating calls to the market-data API.
const RateLimitBucket = "market_api"

// FetchListed fetches listed-company info from the external API over a date
// range and upserts it into the listed_info table keyed on (date, code).
//
// Kwargs:
//   - period_type: "yesterday" | "7days" | "30days" | "custom" (required)
//   - from_date, to_date: ISO dates, required when period_type is "custom"
//   - codes: optional list of 4-character identifiers
//   - market: optional market filter applied to fetched records
type FetchListed struct {
	api     *marketapi.Client
	tokens  *token.Cache
	limiter *ratelimit.Limiter
	listed  store.ListedInfoStore
	loc     *time.Location
}

func NewFetchListed(api *marketapi.Client, tokens *token.Cache, limiter *ratelimit.Limiter, listed store.ListedInfoStore, loc *time.Location) *FetchListed {
	if loc == nil {
		loc = time.UTC
	}
	return &FetchListed{api: api, tokens: tokens, limiter: limiter, listed: listed, loc: loc}
}

// Result summarizes one run.
type fetchResult struct {
	Fetched int `json:"fetched"`
	Saved   int `json:"saved"`
}

// Run implements Fn.
func (t *FetchListed) Run(ctx context.Context, _ []any, kwargs map[string]any) (json.RawMessage, error) {
	params := Params(kwargs)

	from, to, err := t.resolveRange(params)
	if err != nil {
		return nil, err
	}
	codes, err := params.StringSlice("codes")
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		if len(code) != 4 {
			return nil, fmt.Errorf("invalid code %q: must be 4 characters", code)
		}
	}
	market, _ := params.String("market")

	idToken, err := t.tokens.IDToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire id token: %w", err)
	}

	var fetched, saved int
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		records, err := t.fetchDate(ctx, idToken, date, codes)
		if errors.Is(err, marketapi.ErrAuth) {
			// Token may have expired under us; refresh once and retry the date.
			slog.Warn("auth failure, refreshing token", "date", date.Format("2006-01-02"))
			if invErr := t.tokens.Invalidate(ctx); invErr != nil {
				slog.Warn("token invalidate failed", "error", invErr)
			}
			idToken, err = t.tokens.IDToken(ctx)
			if err != nil {
				return nil, fmt.Errorf("re-acquire id token: %w", err)
			}
			records, err = t.fetchDate(ctx, idToken, date, codes)
		}
		if err != nil {
			return nil, err
		}
		fetched += len(records)

		rows := t.mapRecords(records, date, market)
		if len(rows) == 0 {
			continue
		}
		n, err := t.listed.UpsertBatch(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("upsert listed info: %w", err)
		}
		saved += n
	}

	slog.Info("listed info fetched",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"fetched", fetched,
		"saved", saved,
	)
	return json.Marshal(fetchResult{Fetched: fetched, Saved: saved})
}

// fetchDate pulls one day of records, one request per code when codes are
// given, one bulk request otherwise. Every request passes the rate limiter.
func (t *FetchListed) fetchDate(ctx context.Context, idToken string, date time.Time, codes []string) ([]marketapi.ListedInfoRecord, error) {
	if len(codes) == 0 {
		if err := t.limiter.Acquire(ctx, RateLimitBucket); err != nil {
			return nil, err
		}
		return t.api.ListedInfo(ctx, idToken, date, "")
	}

	var all []marketapi.ListedInfoRecord
	for _, code := range codes {
		if err := t.limiter.Acquire(ctx, RateLimitBucket); err != nil {
			return nil, err
		}
		records, err := t.api.ListedInfo(ctx, idToken, date, code)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// mapRecords validates API records and maps them to store rows. Records
// missing a code are dropped; the market filter applies here.
func (t *FetchListed) mapRecords(records []marketapi.ListedInfoRecord, date time.Time, market string) []store.ListedInfo {
	now := time.Now().UTC()
	rows := make([]store.ListedInfo, 0, len(records))
	for _, r := range records {
		if r.Code == "" {
			slog.Warn("listed record without code, skipped", "date", date.Format("2006-01-02"))
			continue
		}
		if market != "" && r.MarketCodeName != market {
			continue
		}
		rows = append(rows, store.ListedInfo{
			Date:          date,
			Code:          r.Code,
			CompanyName:   r.CompanyName,
			CompanyNameEN: r.CompanyNameEN,
			Market:        r.MarketCodeName,
			Sector:        r.Sector33CodeName,
			UpdatedAt:     now,
		})
	}
	return rows
}

// resolveRange turns period_type (+ from/to for custom) into a [from, to]
// date range in the task's zone.
func (t *FetchListed) resolveRange(params Params) (time.Time, time.Time, error) {
	periodType, err := params.RequireString("period_type")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	today := truncateDay(time.Now().In(t.loc))
	yesterday := today.AddDate(0, 0, -1)

	switch periodType {
	case "yesterday":
		return yesterday, yesterday, nil
	case "7days":
		return today.AddDate(0, 0, -7), yesterday, nil
	case "30days":
		return today.AddDate(0, 0, -30), yesterday, nil
	case "custom":
		fromStr, err := params.RequireString("from_date")
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		toStr, err := params.RequireString("to_date")
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from, err := time.ParseInLocation("2006-01-02", fromStr, t.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from_date %q: %w", fromStr, err)
		}
		to, err := time.ParseInLocation("2006-01-02", toStr, t.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to_date %q: %w", toStr, err)
		}
		if to.Before(from) {
			return time.Time{}, time.Time{}, fmt.Errorf("to_date %s is before from_date %s", toStr, fromStr)
		}
		return from, to, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period_type %q", periodType)
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
