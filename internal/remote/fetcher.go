package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/meridian-erp/corebridge/internal/companies"
)

// FetchAllPages retrieves every page of a collection endpoint starting at the
// first page. On a terminal error the records accumulated so far are returned
// alongside it; callers decide whether partial data is usable.
func (c *Client) FetchAllPages(ctx context.Context, ep Endpoint, pageSize int, filters url.Values) ([]Company, error) {
	return c.FetchPagesFrom(ctx, ep, pageSize, 1, filters)
}

// FetchPagesFrom retrieves pages sequentially from startPage onward, letting
// an interrupted fetch be resumed at the page where it stopped. The sequence
// ends when a page comes back empty or the endpoint reports it was the last.
func (c *Client) FetchPagesFrom(ctx context.Context, ep Endpoint, pageSize, startPage int, filters url.Values) ([]Company, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if startPage < 1 {
		startPage = 1
	}

	var all []Company
	for page := startPage; ; page++ {
		env, err := c.fetchPage(ctx, ep, pageSize, page, filters)
		if err != nil {
			return all, err
		}
		if len(env.Result.Data) == 0 {
			return all, nil
		}
		all = append(all, c.tagged(ep.Namespace, env.Result.Data)...)

		if ep.Style == PageStyle && env.Result.LastPage > 0 && env.Result.CurrentPage >= env.Result.LastPage {
			return all, nil
		}
		if ep.Style == OffsetStyle && len(env.Result.Data) < pageSize {
			return all, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, ep Endpoint, pageSize, page int, filters url.Values) (listEnvelope, error) {
	params := url.Values{}
	for k, vs := range filters {
		params[k] = vs
	}
	switch ep.Style {
	case OffsetStyle:
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("offset", strconv.Itoa((page-1)*pageSize))
	default:
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(pageSize))
	}

	var env listEnvelope
	status, body, _, err := c.request(ctx, ep.Path, params, page)
	if err != nil {
		return env, err
	}
	if status < 200 || status >= 300 {
		return env, &FetchError{Page: page, Status: status}
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, &FetchError{Page: page, Cause: err}
	}
	return env, nil
}

// FetchOne retrieves a single company. The CORE surface is tried first; a 404
// there falls through to the CRM surface for the same logical entity.
func (c *Client) FetchOne(ctx context.Context, externalID int64) (Company, int, error) {
	attempts := 0
	for _, ns := range []companies.Namespace{companies.NamespaceCore, companies.NamespaceCRM} {
		status, body, n, err := c.request(ctx, recordPath(ns, externalID), nil, 0)
		attempts += n
		if err != nil {
			return Company{}, attempts, err
		}
		if status == http.StatusNotFound {
			continue
		}
		if status < 200 || status >= 300 {
			return Company{}, attempts, &FetchError{Status: status}
		}
		var env recordEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Company{}, attempts, &FetchError{Cause: err}
		}
		record := env.Result
		record.Namespace = ns
		if err := c.valid.Struct(record); err != nil {
			return Company{}, attempts, &FetchError{Cause: err}
		}
		return record, attempts, nil
	}
	return Company{}, attempts, ErrNotFound
}

// tagged stamps the producing namespace on each record and drops records that
// fail payload validation.
func (c *Client) tagged(ns companies.Namespace, records []Company) []Company {
	out := make([]Company, 0, len(records))
	for _, record := range records {
		record.Namespace = ns
		if err := c.valid.Struct(record); err != nil {
			c.logger.Warn("dropping invalid remote record",
				slog.Int64("external_id", record.ExternalID),
				slog.String("namespace", string(ns)),
				slog.Any("error", err))
			continue
		}
		out = append(out, record)
	}
	return out
}
